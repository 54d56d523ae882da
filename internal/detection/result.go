package detection

import (
	"encoding/json"
	"fmt"
)

// Result は処理エンドポイントが返す検出結果
// faces_detected 以外のフィールドは Raw にそのまま保持する
type Result struct {
	Success       bool           `json:"success"`
	SessionID     string         `json:"session_id,omitempty"`
	FacesDetected int            `json:"faces_detected"`
	Message       string         `json:"message,omitempty"`
	Raw           map[string]any `json:"-"`
}

// HasFaces は顔が検出されたかを返す
func (r *Result) HasFaces() bool {
	return r != nil && r.FacesDetected > 0
}

// UnmarshalJSON は faces_detected を数値と真偽値のどちらでも受け付ける
func (r *Result) UnmarshalJSON(data []byte) error {
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	faces, err := facesCount(raw["faces_detected"])
	if err != nil {
		return err
	}

	*r = Result{
		FacesDetected: faces,
		Raw:           raw,
	}
	if v, ok := raw["success"].(bool); ok {
		r.Success = v
	}
	if v, ok := raw["session_id"].(string); ok {
		r.SessionID = v
	}
	if v, ok := raw["message"].(string); ok {
		r.Message = v
	}
	return nil
}

// facesCount は faces_detected の値を件数に正規化する
func facesCount(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if n < 0 {
			return 0, nil
		}
		return int(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("faces_detected の型が不正です: %T", v)
	}
}
