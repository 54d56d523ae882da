package camera

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommandHaptics は外部コマンドで振動させる Haptics 実装
// 例: termux-vibrate -d {ms}
type CommandHaptics struct {
	name string
	args []string
}

// NewCommandHaptics はコマンドラインからCommandHapticsを作成する
// 引数中の {ms} は振動時間（ミリ秒）に置換される
func NewCommandHaptics(command []string) (*CommandHaptics, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("振動コマンドが指定されていません")
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return nil, fmt.Errorf("振動コマンドが見つかりません: %w", err)
	}
	return &CommandHaptics{name: command[0], args: command[1:]}, nil
}

// Vibrate はコマンドを実行する
func (h *CommandHaptics) Vibrate(ctx context.Context, d time.Duration) error {
	ms := strconv.FormatInt(d.Milliseconds(), 10)
	args := make([]string, len(h.args))
	for i, arg := range h.args {
		args[i] = strings.ReplaceAll(arg, "{ms}", ms)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if output, err := exec.CommandContext(ctx, h.name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("振動コマンドの実行に失敗: %w (%s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
