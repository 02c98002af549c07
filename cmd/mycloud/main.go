// Package main provides a command-line client for a myCloud server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/pkg/client"
	"github.com/estrada-diego/myCloud/pkg/protocol"
)

func main() {
	serverURL := flag.String("server", envOr("MYCLOUD_SERVER", "http://localhost:8080"), "Server URL")
	timeout := flag.Duration("timeout", 5*time.Minute, "Request timeout")
	dest := flag.String("dest", "", "Destination folder path for upload")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{BaseURL: *serverURL, Timeout: *timeout})

	cmd, cmdArgs := args[0], args[1:]
	var err error
	switch cmd {
	case "ls", "list":
		err = cmdList(ctx, c, cmdArgs)
	case "stat":
		err = cmdStat(ctx, c, cmdArgs)
	case "mkdir":
		err = cmdMkdir(ctx, c, cmdArgs)
	case "upload", "put":
		err = cmdUpload(ctx, c, *dest, cmdArgs)
	case "download", "get":
		err = cmdDownload(ctx, c, cmdArgs)
	case "rm":
		err = cmdRemove(ctx, c, cmdArgs)
	case "usage", "df":
		err = cmdUsage(ctx, c)
	case "watch":
		err = cmdWatch(ctx, c)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`myCloud CLI

Usage: mycloud [flags] <command> [args]

Flags:
  -server <url>      Server URL (default: $MYCLOUD_SERVER or http://localhost:8080)
  -timeout <dur>     Request timeout (default: 5m)
  -dest <path>       Destination folder for upload (default: top level)
  -verbose           Enable debug logging

Commands:
  ls [folderID]               List a folder, or the top level
  stat <id>                   Show one node
  mkdir <name> [parentID]     Create an empty folder
  upload <file|dir>...        Upload files; directories keep their layout
  download <id> [out]         Download a file (default: its own name)
  rm <id>                     Delete a node and everything below it
  usage, df                   Show used and available bytes
  watch                       Print tree changes as they happen
  help                        Show this help message

Examples:
  mycloud ls
  mycloud mkdir photos
  mycloud -dest photos/2024 upload ./trip
  mycloud download 42 out.jpg
  mycloud rm 7`)
}

func cmdList(ctx context.Context, c *client.Client, args []string) error {
	var parentID *int64
	if len(args) > 0 {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		parentID = &id
	}

	resp, err := c.ListFiles(ctx, parentID)
	if err != nil {
		return err
	}

	if len(resp.Path) > 0 {
		fmt.Printf("/%s\n", path.Join(resp.Path...))
	} else {
		fmt.Println("/")
	}
	if len(resp.Children) == 0 {
		fmt.Println("(empty)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSIZE\tCREATED\tNAME")
	for _, n := range resp.Children {
		name := n.Name
		if n.IsDir() {
			name += "/"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			n.ID, n.Kind, formatSize(n.Size), n.CreatedAt.Format("2006-01-02 15:04"), name)
	}
	return w.Flush()
}

func cmdStat(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: stat <id>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	n, err := c.GetNode(ctx, id)
	if err != nil {
		return err
	}
	parent := "-"
	if n.ParentID != nil {
		parent = strconv.FormatInt(*n.ParentID, 10)
	}
	fmt.Printf("ID:       %d\n", n.ID)
	fmt.Printf("Name:     %s\n", n.Name)
	fmt.Printf("Kind:     %s\n", n.Kind)
	fmt.Printf("Parent:   %s\n", parent)
	fmt.Printf("Size:     %s (%d bytes)\n", formatSize(n.Size), n.Size)
	fmt.Printf("Created:  %s\n", n.CreatedAt.Format(time.RFC3339))
	return nil
}

func cmdMkdir(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: mkdir <name> [parentID]")
	}
	var parentID *int64
	if len(args) == 2 {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		parentID = &id
	}
	n, err := c.CreateFolder(ctx, args[0], parentID)
	if err != nil {
		return err
	}
	fmt.Printf("Created folder %s (id %d)\n", n.Name, n.ID)
	return nil
}

func cmdUpload(ctx context.Context, c *client.Client, dest string, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: upload <file|dir>...")
	}

	var files []client.UploadFile
	var opened []*os.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	add := func(local, remote string) error {
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		opened = append(opened, f)
		files = append(files, client.UploadFile{Path: path.Join(dest, remote), Content: f})
		return nil
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			if err := add(arg, filepath.Base(arg)); err != nil {
				return err
			}
			continue
		}
		base := filepath.Base(filepath.Clean(arg))
		err = filepath.WalkDir(arg, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(arg, p)
			if err != nil {
				return err
			}
			return add(p, path.Join(base, filepath.ToSlash(rel)))
		})
		if err != nil {
			return err
		}
	}

	if len(files) == 0 {
		return errors.New("nothing to upload")
	}

	resp, err := c.Upload(ctx, files)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %d files (%s)\n", len(resp.Files), formatSize(resp.Bytes))
	return nil
}

func cmdDownload(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: download <id> [out]")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	out := ""
	if len(args) == 2 {
		out = args[1]
	} else {
		n, err := c.GetNode(ctx, id)
		if err != nil {
			return err
		}
		out = n.Name
	}

	rc, _, err := c.Download(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		return err
	}
	if out != "-" {
		fmt.Fprintf(os.Stderr, "Wrote %s to %s\n", formatSize(n), out)
	}
	return nil
}

func cmdRemove(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rm <id>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	resp, err := c.Delete(ctx, id)
	if resp != nil {
		fmt.Printf("Freed %s\n", formatSize(resp.BytesFreed))
	}
	return err
}

func cmdUsage(ctx context.Context, c *client.Client) error {
	u, err := c.Usage(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Storage Usage")
	fmt.Println("-------------")
	fmt.Printf("Used:       %s\n", formatSize(u.Used))
	if u.Limit < 0 {
		fmt.Println("Limit:      unlimited")
		return nil
	}
	fmt.Printf("Limit:      %s\n", formatSize(u.Limit))
	fmt.Printf("Available:  %s\n", formatSize(u.Remaining))
	fmt.Printf("Usage:      %.1f%%\n", u.Percent)
	return nil
}

func cmdWatch(ctx context.Context, c *client.Client) error {
	return c.Watch(ctx, func(ev protocol.SSEEvent) {
		ts := time.Unix(ev.Timestamp, 0).Format("15:04:05")
		switch ev.Type {
		case "subtree_deleted":
			fmt.Printf("%s  deleted  %s (id %d, freed %s)\n", ts, ev.Name, ev.NodeID, formatSize(ev.Size))
		default:
			fmt.Printf("%s  created  %s %s (id %d, %s)\n", ts, ev.Kind, ev.Name, ev.NodeID, formatSize(ev.Size))
		}
	})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return id, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
