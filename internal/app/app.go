package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/karyon/client/internal/api"
	"github.com/karyon/client/internal/auth"
	"github.com/karyon/client/internal/chat"
	"github.com/karyon/client/internal/config"
	"github.com/karyon/client/internal/logging"
	"github.com/karyon/client/internal/models"
	"github.com/karyon/client/internal/videos"
)

const usage = `usage: karyon <command> [arguments]

commands:
  login <email>                      sign in (password read from stdin)
  signup <email>                     create an account (password and confirmation read from stdin)
  logout                             sign out
  status                             show the signed-in account
  videos                             list videos
  upload [-mode m] [-title t] <file|link>...
                                     upload files or links (mode: audio, visual, both)
  delete <id>...                     delete videos
  watch                              refresh the list until every video has finished processing
  ask <id> <question>                ask a question about a video
  history <id> [-clear]              show or clear a video's conversation
  title <link>                       look up the title of a video link
  settings                           show provider key status
  set-key <key>                      store the provider key
  remove-key                         remove the provider key`

// KeyPrompt is printed after sign-in when no provider key is configured.
const KeyPrompt = `No OpenAI API key is configured for this account. Questions cannot be answered until you add one:
  karyon set-key sk-...`

var errNotSignedIn = errors.New("not signed in; run `karyon login <email>` first")

// Run bootstraps the Karyon client and executes one command.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := New(ctx, cfg, os.Stdin, os.Stdout, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Exec(ctx, args)
}

// App executes commands against one set of dependencies.
type App struct {
	deps *dependencies
	in   *bufio.Reader
	out  io.Writer
}

// New wires the dependencies described by cfg.
func New(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &App{deps: deps, in: bufio.NewReader(in), out: out}, nil
}

// Close releases storage.
func (a *App) Close() error {
	return a.deps.Close()
}

// Exec runs one command.
func (a *App) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	ctx, span := logging.StartSpan(logging.WithLogger(ctx, a.deps.logger), args[0])
	err := a.dispatch(ctx, args[0], args[1:])
	if err != nil {
		span.Fail(err)
	} else {
		span.End()
	}
	return err
}

func (a *App) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return a.login(ctx, args)
	case "signup":
		return a.signup(ctx, args)
	case "logout":
		a.deps.session.Logout()
		fmt.Fprintln(a.out, "Signed out.")
		return nil
	case "status":
		return a.status()
	case "help", "-h", "--help":
		fmt.Fprintln(a.out, usage)
		return nil
	}

	if a.deps.session.State() != auth.StateAuthenticated {
		return errNotSignedIn
	}

	switch cmd {
	case "videos":
		return a.listVideos(ctx)
	case "upload":
		return a.upload(ctx, args)
	case "delete":
		return a.delete(ctx, args)
	case "watch":
		return a.watch(ctx)
	case "ask":
		return a.ask(ctx, args)
	case "history":
		return a.showHistory(ctx, args)
	case "title":
		return a.title(ctx, args)
	case "settings":
		return a.settings(ctx)
	case "set-key":
		return a.setKey(ctx, args)
	case "remove-key":
		if err := a.deps.client.RemoveProviderKey(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "API key removed.")
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func (a *App) readLine(prompt string) (string, error) {
	fmt.Fprint(a.out, prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *App) login(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: karyon login <email>")
	}
	password, err := a.readLine("Password: ")
	if err != nil {
		return err
	}
	if err := a.deps.session.Login(ctx, args[0], password); err != nil {
		if errors.Is(err, api.ErrInvalidCredentials) {
			return errors.New("invalid email or password")
		}
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s.\n", strings.TrimSpace(args[0]))
	a.promptForKey(ctx)
	return nil
}

func (a *App) signup(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: karyon signup <email>")
	}
	password, err := a.readLine("Password: ")
	if err != nil {
		return err
	}
	confirm, err := a.readLine("Confirm password: ")
	if err != nil {
		return err
	}
	if err := api.ValidateSignup(args[0], password, confirm); err != nil {
		return err
	}
	if err := a.deps.session.Signup(ctx, args[0], password); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Account created for %s.\n", strings.TrimSpace(args[0]))
	a.promptForKey(ctx)
	return nil
}

// promptForKey prints the first-run hint. A failed settings call is not an
// error for the sign-in that preceded it.
func (a *App) promptForKey(ctx context.Context) {
	settings, err := a.deps.client.Settings(ctx)
	if err != nil {
		a.deps.logger.Warn("load settings", "error", err)
		return
	}
	if !settings.HasOpenAIKey {
		fmt.Fprintln(a.out, KeyPrompt)
	}
}

func (a *App) status() error {
	identity, ok := a.deps.session.Identity()
	if !ok {
		fmt.Fprintln(a.out, "Not signed in.")
		return nil
	}
	fmt.Fprintf(a.out, "Signed in as %s.\n", identity.Email)

	tokens, ok := a.deps.tokens.Get()
	if !ok {
		return nil
	}
	info, err := auth.InspectToken(tokens.AccessToken)
	if err != nil || info.ExpiresAt.IsZero() {
		return nil
	}
	if info.Expired(time.Now()) {
		fmt.Fprintln(a.out, "Access token expired; it will be renewed on the next request.")
	} else {
		fmt.Fprintf(a.out, "Access token valid until %s.\n", info.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

func (a *App) listVideos(ctx context.Context) error {
	list, err := a.deps.client.ListVideos(ctx)
	if err != nil {
		return err
	}
	a.printVideos(list)
	return nil
}

func (a *App) printVideos(list []models.Video) {
	if len(list) == 0 {
		fmt.Fprintln(a.out, "No videos yet.")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTITLE\tSOURCE")
	for _, v := range list {
		source := v.YouTubeURL
		if source == "" {
			source = a.deps.client.MediaURL(v.FileURL)
		}
		status := string(v.Status)
		if v.ErrorMessage != "" {
			status += " (" + v.ErrorMessage + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", v.ID, status, v.Title, source)
	}
	tw.Flush()
}

func (a *App) upload(ctx context.Context, args []string) error {
	opts, err := parseUploadArgs(args)
	if err != nil {
		return err
	}

	results := make(chan videos.UploadResult, len(opts.sources))
	uploader := videos.NewUploader(a.deps.client, videos.UploaderConfig{
		Workers:   a.deps.cfg.UploadWorkers,
		QueueSize: len(opts.sources),
	}, func(r videos.UploadResult) { results <- r }, a.deps.logger)

	for _, source := range opts.sources {
		job := videos.UploadJob{Path: source}
		if isLink(source) {
			job = videos.UploadJob{Link: api.LinkUpload{URL: source, Title: opts.title, Mode: opts.mode}}
		}
		if err := uploader.Enqueue(ctx, job); err != nil {
			_ = uploader.Shutdown(ctx)
			return err
		}
	}
	if err := uploader.Shutdown(ctx); err != nil {
		return err
	}
	close(results)

	var failed int
	for r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(a.out, "%s: upload failed: %v\n", r.Job.Source(), r.Err)
			continue
		}
		fmt.Fprintf(a.out, "%s: uploaded as video %d (%s)\n", r.Job.Source(), r.Video.ID, r.Video.Status)
	}

	if failed < len(opts.sources) {
		if err := a.watchUntilSettled(ctx, false); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(opts.sources))
	}
	return nil
}

type uploadOptions struct {
	mode    models.ProcessingMode
	title   string
	sources []string
}

func parseUploadArgs(args []string) (uploadOptions, error) {
	var opts uploadOptions
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "-mode", "--mode", "-title", "--title":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", arg)
			}
			i++
			if strings.HasSuffix(arg, "mode") {
				opts.mode = models.ProcessingMode(args[i])
			} else {
				opts.title = args[i]
			}
		default:
			opts.sources = append(opts.sources, arg)
		}
	}
	if len(opts.sources) == 0 {
		return opts, errors.New("usage: karyon upload [-mode audio|visual|both] [-title t] <file|link>...")
	}
	return opts, nil
}

func isLink(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") || videos.IsVideoLink(source)
}

func (a *App) delete(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: karyon delete <id>...")
	}
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if err := a.deps.client.DeleteVideos(ctx, ids); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %d video(s).\n", len(ids))
	return nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid video id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *App) watch(ctx context.Context) error {
	return a.watchUntilSettled(ctx, true)
}

// watchUntilSettled polls the video list until nothing is processing. With
// verbose set every refreshed list is printed, otherwise only the final one.
// Polling stops with an AuthError once the session has ended.
func (a *App) watchUntilSettled(ctx context.Context, verbose bool) error {
	expired := make(chan struct{})
	var expireOnce sync.Once
	unsubscribe := a.deps.session.Subscribe(func(state auth.State) {
		if state == auth.StateAnonymous {
			expireOnce.Do(func() { close(expired) })
		}
	})
	defer unsubscribe()

	settled := make(chan []models.Video, 1)
	poller := videos.NewPoller(a.deps.client.ListVideos, func(list []models.Video) {
		if verbose {
			fmt.Fprintf(a.out, "\n%s\n", time.Now().Format(time.TimeOnly))
			a.printVideos(list)
		}
		if !videos.NeedsPolling(list) {
			select {
			case settled <- list:
			default:
			}
		}
	}, a.deps.cfg.PollInterval, a.deps.logger)
	defer poller.Close()

	if err := poller.Refresh(ctx); err != nil {
		return err
	}

	select {
	case list := <-settled:
		if !verbose {
			a.printVideos(list)
		}
		return nil
	case <-expired:
		poller.Close()
		return &api.AuthError{StatusCode: http.StatusUnauthorized, Err: api.ErrSessionExpired}
	case <-ctx.Done():
		fmt.Fprintln(a.out, "Stopped watching.")
		return nil
	}
}

func (a *App) ask(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: karyon ask <id> <question>")
	}
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}

	conv := chat.Open(ctx, ids[0], a.deps.client, a.deps.history, a.deps.logger)
	msg, err := conv.Ask(ctx, strings.Join(args[1:], " "))
	if err != nil && !errors.Is(err, context.Canceled) && !api.IsAuth(err) {
		return err
	}
	a.printMessage(msg)
	return err
}

func (a *App) printMessage(msg models.ChatMessage) {
	label := "You"
	if msg.Role == models.RoleAssistant {
		label = "Karyon"
	}
	fmt.Fprintf(a.out, "%s: %s\n", label, msg.Content)

	var details []string
	if msg.Confidence != "" {
		details = append(details, "confidence: "+string(msg.Confidence))
	}
	if msg.Timestamp != nil {
		details = append(details, "at "+chat.FormatTimestamp(*msg.Timestamp))
	}
	if len(details) > 0 {
		fmt.Fprintf(a.out, "  (%s)\n", strings.Join(details, ", "))
	}
	if msg.SegmentText != "" {
		fmt.Fprintf(a.out, "  %q\n", msg.SegmentText)
	}
}

func (a *App) showHistory(ctx context.Context, args []string) error {
	var clear bool
	var rest []string
	for _, arg := range args {
		if arg == "-clear" || arg == "--clear" {
			clear = true
			continue
		}
		rest = append(rest, arg)
	}
	if len(rest) != 1 {
		return errors.New("usage: karyon history <id> [-clear]")
	}
	ids, err := parseIDs(rest)
	if err != nil {
		return err
	}

	conv := chat.Open(ctx, ids[0], a.deps.client, a.deps.history, a.deps.logger)
	if clear {
		if err := conv.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Conversation cleared.")
		return nil
	}

	msgs := conv.Messages()
	if len(msgs) == 0 {
		fmt.Fprintln(a.out, "No conversation yet.")
		return nil
	}
	for _, msg := range msgs {
		a.printMessage(msg)
	}
	return nil
}

func (a *App) title(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: karyon title <link>")
	}
	if !videos.IsVideoLink(args[0]) {
		return fmt.Errorf("%q is not a video link", args[0])
	}

	titles := make(chan string, 1)
	failures := make(chan error, 1)
	lookup := videos.NewLookup(a.deps.metadata, a.deps.cfg.LookupDebounce, func(title string) {
		if title == "" {
			return
		}
		select {
		case titles <- title:
		default:
		}
	}, func(err error) {
		select {
		case failures <- err:
		default:
		}
	}, a.deps.logger)
	defer lookup.Close()

	lookup.OnInputChange(args[0])

	select {
	case title := <-titles:
		fmt.Fprintln(a.out, title)
		return nil
	case err := <-failures:
		return fmt.Errorf("look up title: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) settings(ctx context.Context) error {
	settings, err := a.deps.client.Settings(ctx)
	if err != nil {
		return err
	}
	if settings.HasOpenAIKey {
		fmt.Fprintln(a.out, "OpenAI API key: configured")
	} else {
		fmt.Fprintln(a.out, "OpenAI API key: not configured")
	}
	return nil
}

func (a *App) setKey(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: karyon set-key <key>")
	}
	if err := a.deps.client.SetProviderKey(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "API key saved.")
	return nil
}
