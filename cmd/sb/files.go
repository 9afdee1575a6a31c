package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/files"
	"github.com/zulandar/signalbox/internal/models"
)

func newFilesCmd() *cobra.Command {
	var (
		list    bool
		fileID  string
		info    string
		maxSize int
	)

	cmd := &cobra.Command{
		Use:   "files",
		Short: "Download files attached to inbox messages",
		Long: `Downloads pending Slack attachments to the downloads directory, writing a
.meta.json sidecar next to each file. The bot needs the files:read scope.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFiles(cmd, list, fileID, info, maxSize)
		},
	}

	cmd.Flags().BoolVarP(&list, "list", "l", false, "list all files in the inbox")
	cmd.Flags().StringVar(&fileID, "id", "", "download a specific file by Slack file id")
	cmd.Flags().StringVar(&info, "info", "", "show metadata for a downloaded file")
	cmd.Flags().IntVar(&maxSize, "max-size", 0, "maximum file size in MB (default from config)")
	cmd.MarkFlagsMutuallyExclusive("list", "id", "info")
	return cmd
}

func runFiles(cmd *cobra.Command, list bool, fileID, info string, maxSize int) error {
	out := cmd.OutOrStdout()
	if info != "" {
		li, err := files.Info(info)
		if err != nil {
			return err
		}
		printFileInfo(out, li)
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if maxSize > 0 {
		cfg.Downloads.MaxSizeMB = maxSize
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmdContext(cmd)

	if list {
		msgs, err := st.Load(ctx)
		if err != nil {
			return err
		}
		printFileList(out, files.All(msgs))
		return nil
	}

	logger, closer := newProcessLogger(cfg, out, "")
	defer closer.Close()
	client, err := newSlackClient(cfg, logger)
	if err != nil {
		return err
	}
	d, err := files.New(files.Opts{
		Provider: client,
		Store:    st,
		Dir:      cfg.Path(config.DownloadsDirName),
		MaxBytes: int64(cfg.Downloads.MaxSizeMB) << 20,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if fileID != "" {
		_, err := d.DownloadByID(ctx, fileID)
		return err
	}

	saved, total, err := d.DownloadAll(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Fprintln(out, "No pending files to download.")
		return nil
	}
	fmt.Fprintf(out, "\nDownloaded %d/%d files.\n", saved, total)
	if saved != total {
		return fmt.Errorf("files: %d download(s) failed", total-saved)
	}
	return nil
}

func printFileList(out io.Writer, items []files.Item) {
	rule := strings.Repeat("=", 70)
	fmt.Fprintf(out, "\n%s\n", rule)
	fmt.Fprintln(out, "SLACK FILES IN INBOX")
	fmt.Fprintln(out, rule)

	for _, it := range items {
		f := it.File
		fmt.Fprintf(out, "\n[%s] %s\n", fileState(f), f.Name)
		fmt.Fprintf(out, "  ID: %s\n", f.ID)
		fmt.Fprintf(out, "  Type: %s\n", f.Mimetype)
		fmt.Fprintf(out, "  Size: %.1f KB\n", float64(f.Size)/1024)
		fmt.Fprintf(out, "  From: %s at %s\n", it.From, it.ReceivedAt)
		if f.Downloaded {
			fmt.Fprintf(out, "  Local path: %s\n", f.LocalPath)
		}
		if f.IsImage {
			fmt.Fprintf(out, "  Dimensions: %dx%d\n", f.OriginalW, f.OriginalH)
		}
	}

	if len(items) == 0 {
		fmt.Fprintln(out, "\nNo files found in inbox.")
	} else {
		fmt.Fprintf(out, "\n%s\n", rule)
		fmt.Fprintf(out, "Total: %d file(s)\n", len(items))
	}
	fmt.Fprintln(out)
}

func fileState(f models.File) string {
	if f.Downloaded {
		return "DOWNLOADED"
	}
	return "PENDING"
}

func printFileInfo(out io.Writer, li *files.LocalInfo) {
	if li.Meta != nil {
		data, _ := json.MarshalIndent(li.Meta, "", "  ")
		fmt.Fprintf(out, "\nFile Metadata:\n%s\n", data)
	} else {
		fmt.Fprintln(out, "\nNo metadata file found.")
	}
	fmt.Fprintln(out, "\nLocal file info:")
	fmt.Fprintf(out, "  Path: %s\n", li.Path)
	fmt.Fprintf(out, "  Size: %.1f KB\n", float64(li.Size)/1024)
	fmt.Fprintf(out, "  Type: %s\n", li.Type)
	if li.Dimensions != nil {
		fmt.Fprintf(out, "  Dimensions: %dx%d\n", li.Dimensions.Width, li.Dimensions.Height)
	}
}
