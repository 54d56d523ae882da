package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"shusseki/internal/camera"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	captureDevice string
	captureFrames int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "画面なしでキャプチャセッションを実行する",
	Long: `選択したカメラでキャプチャループを開始し、フレームを送信先に送り続ける。
--frames を指定した場合はその回数だけキャプチャして終了する。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCapture(cmd.Context(), captureDevice, captureFrames)
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureDevice, "device", "d", "", "使用するデバイスID（省略時は設定値または自動選択）")
	captureCmd.Flags().IntVarP(&captureFrames, "frames", "n", 0, "キャプチャ回数（0は中断するまで）")
	rootCmd.AddCommand(captureCmd)
}

// captureSummary はキャプチャ結果の集計
type captureSummary struct {
	Captures   int
	Detections int
	Failures   int
}

func (s *captureSummary) record(e camera.Event) {
	s.Captures++
	switch {
	case e.Type == camera.EventCaptureError:
		s.Failures++
	case e.FacesDetected > 0:
		s.Detections++
	}
}

func runCapture(ctx context.Context, deviceID string, frames int) error {
	if deviceID == "" {
		deviceID = cfg.Camera.DeviceID
	}

	// 集計が終わったらループ側の送信待ちを解除する
	eventsCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()

	events := make(chan camera.Event, 16)
	client, err := newCaptureClient(cfg, logger, camera.Options{
		Notifier: logNotifier{logger},
		OnEvent:  forwardEvents(eventsCtx, events),
	})
	if err != nil {
		return err
	}

	if err := client.Start(ctx, deviceID); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	total := frames
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("キャプチャ中"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	summary := collect(ctx, events, frames, func() { _ = bar.Add(1) })
	stopEvents()
	_ = bar.Finish()

	printSummary(os.Stdout, summary)
	return nil
}

// forwardEvents はキャプチャ結果のイベントを取りこぼさずに events へ渡す
// ctx がキャンセルされた後のイベントは捨てる
func forwardEvents(ctx context.Context, events chan<- camera.Event) func(camera.Event) {
	return func(e camera.Event) {
		if e.Type == camera.EventState {
			return
		}
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}
}

// collect は frames 回（0なら ctx がキャンセルされるまで）のキャプチャ結果を集計する
func collect(ctx context.Context, events <-chan camera.Event, frames int, tick func()) captureSummary {
	var summary captureSummary
	for frames <= 0 || summary.Captures < frames {
		select {
		case <-ctx.Done():
			return summary
		case e := <-events:
			summary.record(e)
			tick()
		}
	}
	return summary
}

func printSummary(out io.Writer, s captureSummary) {
	fmt.Fprintf(out, "\nキャプチャ: %d 回  顔検出: %d 回  失敗: %d 回\n", s.Captures, s.Detections, s.Failures)
}
