package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/molpadia/molpadrive/internal/client"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/spf13/cobra"
)

var (
	folder      string
	subPath     string
	contentType string
	maxFiles    int
	forgetAll   bool
)

var putCmd = &cobra.Command{
	Use:   "put FILE...",
	Short: "Upload files, resuming earlier attempts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPut,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List interrupted uploads that can be resumed",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var forgetCmd = &cobra.Command{
	Use:   "forget [FINGERPRINT...]",
	Short: "Abort interrupted uploads and drop their resume records",
	RunE:  runForget,
}

func init() {
	putCmd.Flags().StringVar(&folder, "folder", string(entity.FolderPersonal), "destination folder (personal or shared)")
	putCmd.Flags().StringVar(&subPath, "path", "", "sub path inside the folder")
	putCmd.Flags().StringVar(&contentType, "content-type", "", "content type of the files")
	putCmd.Flags().IntVar(&maxFiles, "max-files", client.DefaultMaxFiles, "files uploaded at once")
	forgetCmd.Flags().BoolVar(&forgetAll, "all", false, "forget every interrupted upload")
}

// printer writes one progress line per task and state change.
type printer struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func (p *printer) OnStateChange(t *client.Task, state client.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch state {
	case client.StateCompleted:
		fmt.Printf("%s: done, %s\n", t.Source.Name(), t.Result().Location)
	case client.StateError:
		fmt.Printf("%s: failed: %s\n", t.Source.Name(), t.Err())
	default:
		fmt.Printf("%s: %s\n", t.Source.Name(), state)
	}
}

func (p *printer) OnProgress(t *client.Task, pr client.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.last[t.ID]) < time.Second {
		return
	}
	p.last[t.ID] = time.Now()
	fmt.Printf("%s: %s of %s at %s/s, %s left\n", t.Source.Name(),
		humanize.IBytes(uint64(pr.Uploaded)), humanize.IBytes(uint64(pr.Total)),
		humanize.IBytes(uint64(pr.Speed)), pr.ETA.Round(time.Second))
}

func runPut(cmd *cobra.Command, args []string) error {
	api, store, log, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := client.NewScheduler(api, store,
		client.WithMaxFiles(maxFiles),
		client.WithObserver(&printer{last: make(map[string]time.Time)}),
		client.WithLogger(log),
	)
	dest := client.Destination{Folder: entity.Folder(folder), SubPath: subPath, ContentType: contentType}
	var tasks []*client.Task
	for _, path := range args {
		src, err := client.OpenFile(path)
		if err != nil {
			sched.Close()
			return err
		}
		defer src.Close()
		tasks = append(tasks, sched.Add(src, dest))
	}

	var failed []string
	for _, t := range tasks {
		state, err := t.Wait(ctx)
		if err != nil {
			// Interrupted: in-flight parts stop and the records are kept.
			sched.Close()
			fmt.Println("interrupted, run put again to resume")
			return nil
		}
		if state != client.StateCompleted {
			failed = append(failed, t.Source.Name())
		}
	}
	sched.Close()
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d uploads failed: %s", len(failed), len(tasks), strings.Join(failed, ", "))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	_, store, _, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()
	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no interrupted uploads")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tFILE\tSIZE\tPARTS\tKEY\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.Fingerprint[:12], r.FileName,
			humanize.IBytes(uint64(r.FileSize)), len(r.CompletedParts), r.Key, humanize.Time(r.UpdatedAt))
	}
	return w.Flush()
}

func runForget(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !forgetAll {
		return errors.New("name the uploads to forget or pass --all")
	}
	api, store, log, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()
	records, err := store.List()
	if err != nil {
		return err
	}
	selected := records
	if !forgetAll {
		if selected, err = selectRecords(records, args); err != nil {
			return err
		}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, r := range selected {
		if err := api.Abort(ctx, r.UploadID, r.Key); err != nil {
			log.WithError(err).WithField("upload_id", r.UploadID).Warn("failed to abort upload")
		}
		if err := store.Delete(r.Fingerprint); err != nil {
			return err
		}
		fmt.Printf("forgot %s (%s)\n", r.FileName, r.Key)
	}
	return nil
}

// Resolve fingerprint prefixes, as printed by list. Each prefix must name
// exactly one record.
func selectRecords(records []*client.ResumeRecord, prefixes []string) ([]*client.ResumeRecord, error) {
	var selected []*client.ResumeRecord
	seen := make(map[string]bool)
	for _, p := range prefixes {
		var found []*client.ResumeRecord
		for _, r := range records {
			if p != "" && strings.HasPrefix(r.Fingerprint, p) {
				found = append(found, r)
			}
		}
		switch {
		case len(found) == 0:
			return nil, fmt.Errorf("no interrupted upload matches %q", p)
		case len(found) > 1:
			return nil, fmt.Errorf("%q matches %d uploads, give a longer prefix", p, len(found))
		}
		if !seen[found[0].Fingerprint] {
			seen[found[0].Fingerprint] = true
			selected = append(selected, found[0])
		}
	}
	return selected, nil
}
