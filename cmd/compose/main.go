// Package main is a terminal front end for the compose controller. It fills
// the form from flags, attaches local files by metadata, and submits the
// message to a running relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shineum/compose-relay/internal/compose"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("compose", flag.ContinueOnError)
	fs.SetOutput(stderr)

	relayURL := fs.String("relay", envOr("RELAY_URL", "http://localhost:3000"), "base URL of the relay")
	to := fs.String("to", "", "comma-separated recipients")
	cc := fs.String("cc", "", "comma-separated cc recipients")
	bcc := fs.String("bcc", "", "comma-separated bcc recipients")
	subject := fs.String("subject", "", "subject line")
	body := fs.String("body", "", `message body; "-" reads standard input`)
	draft := fs.Bool("draft", false, "print the draft instead of sending")
	debug := fs.Bool("v", false, "verbose logging")
	var attachments stringList
	fs.Var(&attachments, "attach", "file to attach (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	text := *body
	if text == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "failed to read body: %v\n", err)
			return 1
		}
		text = string(data)
	}

	files, err := statFiles(attachments)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	term := &terminal{out: stdout, errOut: stderr}
	ctrl := compose.New(
		compose.NewClient(*relayURL, nil),
		term,
		compose.WithNotifier(term),
		compose.WithOpener(term),
		compose.WithUserLookup(envUser{}),
		compose.WithLogger(logger),
	)
	ctrl.SetForm(compose.Form{
		To:      *to,
		Cc:      *cc,
		Bcc:     *bcc,
		Subject: *subject,
		Body:    text,
	})
	ctrl.OnFilesSelected(files)

	if *draft {
		d := ctrl.SaveDraft()
		fmt.Fprintf(stdout, "Draft by %s\nTo: %s\nSubject: %s\nAttachments: %d\n",
			ctrl.CurrentUser(), d.To, d.Subject, len(d.Attachments))
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.SendEmail(ctx); err != nil {
		var verr *compose.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(stderr, "cannot send: %v\n", verr)
			return 2
		}
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return 0
}

// statFiles reads the metadata of each path. File content is never loaded.
func statFiles(paths []string) ([]compose.File, error) {
	files := make([]compose.File, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat attachment: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("attachment %s is a directory", p)
		}
		files = append(files, compose.File{
			Name:         filepath.Base(p),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return files, nil
}

// terminal plays the browser's part: there is no history, preview links are
// printed and alerts go to stderr.
type terminal struct {
	out    io.Writer
	errOut io.Writer
}

func (t *terminal) HistoryLength() int { return 0 }

func (t *terminal) Back() error { return nil }

func (t *terminal) NavigateTo(string) error {
	fmt.Fprintln(t.out, "Done.")
	return nil
}

func (t *terminal) Alert(message string) {
	fmt.Fprintln(t.errOut, message)
}

func (t *terminal) Open(url string) error {
	fmt.Fprintf(t.out, "Preview: %s\n", url)
	return nil
}

// envUser reads the display name from the environment.
type envUser struct{}

func (envUser) CurrentUser() string {
	if name := os.Getenv("COMPOSE_USER"); name != "" {
		return name
	}
	return os.Getenv("USER")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
