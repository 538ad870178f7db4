package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/ppe-monitor/internal/config"
	"github.com/kozaktomas/ppe-monitor/internal/pipeline"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
	"github.com/kozaktomas/ppe-monitor/internal/violation"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run a single stream in the foreground",
	Long: `Run one camera stream until its source ends or Ctrl+C is pressed, then
print the session summary. Frames come from a directory of JPEG/PNG files
(replayed in name order) or from a camera snapshot URL.

Examples:
  ppe-monitor monitor --frames ./recordings/gate-a --fps 10
  ppe-monitor monitor --frames ./recordings/gate-a --pace=false
  ppe-monitor monitor --snapshot-url http://cam-2/snapshot.jpg --stream-id gate-b`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().String("frames", "", "Directory of frames to replay")
	monitorCmd.Flags().String("snapshot-url", "", "Camera snapshot URL to poll")
	monitorCmd.Flags().String("stream-id", "cam-1", "Stream identifier")
	monitorCmd.Flags().Float64("fps", 10, "Frame rate of the source")
	monitorCmd.Flags().Bool("pace", true, "Replay directory frames in real time (--pace=false replays at disk speed and may drop frames)")
	monitorCmd.Flags().Bool("events", false, "Print violation events as they happen")
	monitorCmd.Flags().Bool("json", false, "Print the session summary as JSON")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc := config.StreamConfig{
		ID:          mustGetString(cmd, "stream-id"),
		FramesDir:   mustGetString(cmd, "frames"),
		SnapshotURL: mustGetString(cmd, "snapshot-url"),
		FPS:         mustGetFloat64(cmd, "fps"),
	}
	if (sc.FramesDir == "") == (sc.SnapshotURL == "") {
		return fmt.Errorf("exactly one of --frames or --snapshot-url is required")
	}
	src, err := newSource(sc, cfg.Detector.Timeout, mustGetBool(cmd, "pace"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	matcher, err := newMatcher(ctx, cfg, store)
	if err != nil {
		return err
	}
	stream := newComponents(cfg, store, matcher).newStream(cfg, sc.ID)

	total := -1
	if dir, ok := src.(*pipeline.DirSource); ok {
		total = dir.Len()
		if total == 0 {
			fmt.Printf("No frames found in %s\n", sc.FramesDir)
			return nil
		}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Monitoring "+sc.ID),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	events := stream.AddListener()
	defer stream.RemoveListener(events)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		watchStream(stream, events, bar, mustGetBool(cmd, "events"))
	}()

	runErr := stream.Run(ctx, src)
	<-watchDone
	_ = bar.Finish()
	fmt.Println()

	summary := stream.Stats()
	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		printSummary(summary)
	}
	return runErr
}

// watchStream keeps the progress bar in sync with the processed frame count
// and optionally prints violation transitions. Returns when the stream stops.
func watchStream(stream *pipeline.Stream, events <-chan pipeline.Event, bar *progressbar.ProgressBar, verbose bool) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	update := func() {
		st := stream.Stats()
		_ = bar.Set64(st.FrameCount + st.DroppedFrames + st.FailedFrames)
	}
	for {
		select {
		case <-stream.Done():
			update()
			return
		case <-ticker.C:
			update()
		case ev := <-events:
			if !verbose {
				continue
			}
			switch ev.Type {
			case pipeline.EventOpened, pipeline.EventClosed:
				if tr, ok := ev.Data.(violation.Transition); ok {
					_ = bar.Clear()
					fmt.Println(describeTransition(tr))
				}
			case pipeline.EventAlert, pipeline.EventError:
				_ = bar.Clear()
				fmt.Printf("[%s] %s\n", ev.Type, ev.Message)
			}
		}
	}
}

func describeTransition(tr violation.Transition) string {
	e := tr.Event
	who := e.WorkerID
	if who == "" {
		who = fmt.Sprintf("unknown #%d", e.Handle)
	}
	if tr.Kind == violation.Closed && e.ClosedAt != nil {
		return fmt.Sprintf("%s  CLOSED  %-20s missing %-12s after %s (%s)",
			e.ClosedAt.Format("15:04:05"), who, e.Missing, e.ClosedAt.Sub(e.OpenedAt).Round(time.Second), e.Reason)
	}
	return fmt.Sprintf("%s  OPENED  %-20s missing %s", e.OpenedAt.Format("15:04:05"), who, e.Missing)
}

func printSummary(s ppe.SessionStats) {
	end := time.Now()
	if s.SessionEnd != nil {
		end = *s.SessionEnd
	}

	fmt.Printf("Session %s on stream %s\n", s.SessionID, s.StreamID)
	fmt.Printf("  Duration:          %s\n", end.Sub(s.SessionStart).Round(time.Second))
	fmt.Printf("  Frames:            %d processed, %d dropped, %d failed (%.1f fps)\n",
		s.FrameCount, s.DroppedFrames, s.FailedFrames, s.FPS)
	fmt.Printf("  Observations:      %d\n", s.ObservationCount)
	fmt.Printf("  Violations:        %d opened, %d closed (%.1f/hour)\n",
		s.ViolationsOpened, s.ViolationsClosed, s.ViolationsPerHour)

	if len(s.ViolationsByType) > 0 {
		types := make([]string, 0, len(s.ViolationsByType))
		for t := range s.ViolationsByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("    %-16s %d\n", t, s.ViolationsByType[t])
		}
	}
	if len(s.ActiveWorkerIDs) > 0 {
		fmt.Printf("  Workers seen:      %v\n", s.ActiveWorkerIDs)
	}
}
