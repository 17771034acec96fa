package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/config"
	"github.com/mikequentel/xclient/internal/extract"
	"github.com/mikequentel/xclient/internal/journal"
	"github.com/mikequentel/xclient/internal/logger"
	"github.com/mikequentel/xclient/internal/media"
	"github.com/mikequentel/xclient/internal/model"
	"github.com/mikequentel/xclient/internal/post"
	"github.com/mikequentel/xclient/internal/ratelimit"
	"github.com/mikequentel/xclient/internal/textsplit"
	"github.com/mikequentel/xclient/internal/xapi"
)

const maxImages = 4

type options struct {
	text     string
	file     string
	htmlPath string
	selector string
	thread   bool

	images        string
	video         string
	replyTo       string
	quote         string
	replySettings string

	deleteID     string
	repostID     string
	undoRepostID string
	getID        string
	search       string
	maxResults   int

	strategy     string
	chunkLimit   int
	segmentPause time.Duration
	noRollback   bool

	journal     string
	journalShow string
	credentials string
	saveCreds   bool
	debug       bool
}

type action int

const (
	actPost action = iota
	actThread
	actDelete
	actRepost
	actUndoRepost
	actGet
	actSearch
	actJournalShow
	actSaveCredentials
)

func main() {
	log.SetFlags(0)
	os.Exit(realMain(os.Args[1:], os.Stdout))
}

// realMain returns the process exit code so deferred cleanup, such as
// closing the journal, runs before the process exits.
func realMain(args []string, stdout io.Writer) int {
	o := parseFlags(args)
	ctx := context.Background()

	// --- Config (env) ---
	settings, err := config.LoadSettings(ctx, nil)
	if err != nil {
		return fail(err)
	}
	if o.debug {
		logger.SetDebug()
	}

	act, err := resolveAction(o)
	if err != nil {
		log.Print(err)
		return 2
	}

	if act == actSaveCredentials {
		if err := saveCredentials(ctx, o.credentials); err != nil {
			return fail(err)
		}
		log.Printf("Saved credentials to %s", o.credentials)
		return 0
	}

	journalPath := firstNonEmpty(o.journal, settings.JournalPath)
	if act == actJournalShow {
		if err := showJournal(ctx, stdout, journalPath, o.journalShow); err != nil {
			return fail(err)
		}
		return 0
	}

	// --- preview without network calls ---
	if settings.DryRun {
		if err := dryRun(stdout, act, o, settings); err != nil {
			return fail(err)
		}
		return 0
	}

	creds, err := config.NewManager(o.credentials).LoadCredentials(ctx)
	if err != nil {
		return fail(err)
	}
	client, err := xapi.NewFromCredentials(ctx, creds)
	if err != nil {
		return fail(err)
	}
	client.APIBaseURL = settings.APIBaseURL
	client.UploadURL = settings.UploadURL
	client.RateLimit = ratelimit.NewHandler(settings.RetryConfig())

	var store *journal.Store
	if journalPath != "" {
		store, err = journal.Open(journalPath)
		if err != nil {
			return fail(err)
		}
		defer store.Close()
	}
	posts := post.NewService(client)
	posts.Listener = post.ListenerFunc(func(e post.Event) {
		logger.Debug("post event", "event", string(e.Name), "thread", e.ThreadID, "index", e.Index)
		if store != nil {
			store.OnEvent(e)
		}
	})
	uploads := media.NewService(client)
	uploads.PollInterval = settings.PollInterval
	uploads.Timeout = settings.ProcessingTimeout

	err = run(ctx, stdout, act, o, settings, posts, uploads)
	if info := client.RateLimit.Info(); info != nil && info.Remaining != nil {
		logger.Debug("rate limit window", "remaining", *info.Remaining)
	}
	if err != nil {
		return fail(err)
	}
	return 0
}

func parseFlags(args []string) options {
	var o options
	fs := flag.NewFlagSet("xpost", flag.ExitOnError)
	fs.StringVar(&o.text, "text", "", "text to post")
	fs.StringVar(&o.file, "file", "", "read the text from a file")
	fs.StringVar(&o.htmlPath, "html", "", "publish the paragraphs of an HTML file as a thread")
	fs.StringVar(&o.selector, "selector", extract.DefaultSelector, "CSS selector for -html paragraphs")
	fs.BoolVar(&o.thread, "thread", false, "split the text into a reply chain")
	fs.StringVar(&o.images, "images", "", "comma-separated image paths (up to 4)")
	fs.StringVar(&o.video, "video", "", "MP4 video path")
	fs.StringVar(&o.replyTo, "reply-to", "", "post id to reply to")
	fs.StringVar(&o.quote, "quote", "", "post id to quote")
	fs.StringVar(&o.replySettings, "reply-settings", "", "who may reply: following or mentionedUsers")
	fs.StringVar(&o.deleteID, "delete", "", "delete the post with this id")
	fs.StringVar(&o.repostID, "repost", "", "repost the post with this id")
	fs.StringVar(&o.undoRepostID, "undo-repost", "", "undo the repost of this id")
	fs.StringVar(&o.getID, "get", "", "look up the post with this id")
	fs.StringVar(&o.search, "search", "", "search recent posts")
	fs.IntVar(&o.maxResults, "max-results", 10, "results per search (10-100)")
	fs.StringVar(&o.strategy, "strategy", "", "thread split strategy: word, sentence or paragraph")
	fs.IntVar(&o.chunkLimit, "chunk-limit", 0, "max characters per thread segment")
	fs.DurationVar(&o.segmentPause, "segment-pause", -1, "pause between thread segments")
	fs.BoolVar(&o.noRollback, "no-rollback", false, "keep published segments when a thread fails")
	fs.StringVar(&o.journal, "journal", "", "sqlite journal for thread attempts")
	fs.StringVar(&o.journalShow, "journal-show", "", "print the journal entry of this thread id")
	fs.StringVar(&o.credentials, "credentials", envOr("XCLIENT_CREDENTIALS", config.DefaultCredentialPath), "credential file")
	fs.BoolVar(&o.saveCreds, "save-credentials", false, "write the TWITTER_* env credentials to the credential file")
	fs.BoolVar(&o.debug, "debug", false, "debug logging")
	fs.Parse(args)
	return o
}

func resolveAction(o options) (action, error) {
	var picked []action
	if o.deleteID != "" {
		picked = append(picked, actDelete)
	}
	if o.repostID != "" {
		picked = append(picked, actRepost)
	}
	if o.undoRepostID != "" {
		picked = append(picked, actUndoRepost)
	}
	if o.getID != "" {
		picked = append(picked, actGet)
	}
	if o.search != "" {
		picked = append(picked, actSearch)
	}
	if o.journalShow != "" {
		picked = append(picked, actJournalShow)
	}
	if o.saveCreds {
		picked = append(picked, actSaveCredentials)
	}
	sources := 0
	for _, s := range []string{o.text, o.file, o.htmlPath} {
		if s != "" {
			sources++
		}
	}
	if sources > 1 {
		return 0, errors.New("use only one of -text, -file and -html")
	}
	if sources == 1 {
		if o.thread || o.htmlPath != "" {
			picked = append(picked, actThread)
		} else {
			picked = append(picked, actPost)
		}
	}

	switch len(picked) {
	case 0:
		return 0, errors.New("nothing to do: pass -text, -file, -html, -delete, -repost, -undo-repost, -get, -search, -journal-show or -save-credentials")
	case 1:
	default:
		return 0, errors.New("pick exactly one action")
	}
	if picked[0] == actThread && (o.images != "" || o.video != "") {
		return 0, errors.New("media can only be attached to a single post")
	}
	if o.images != "" && o.video != "" {
		return 0, errors.New("use either -images or -video, not both")
	}
	return picked[0], nil
}

func run(ctx context.Context, w io.Writer, act action, o options, s config.Settings, posts *post.Service, uploads *media.Service) error {
	switch act {
	case actDelete:
		if err := posts.DeletePost(ctx, o.deleteID); err != nil {
			return err
		}
		log.Printf("Deleted post %s", o.deleteID)

	case actRepost:
		if _, err := posts.RepostPost(ctx, o.repostID); err != nil {
			return err
		}
		log.Printf("Reposted %s", o.repostID)

	case actUndoRepost:
		if _, err := posts.UndoRepost(ctx, o.undoRepostID); err != nil {
			return err
		}
		log.Printf("Undid repost of %s", o.undoRepostID)

	case actGet:
		p, err := posts.GetPost(ctx, o.getID, model.LookupParams{
			Expansions: []string{"author_id"},
			PostFields: []string{"created_at", "author_id"},
			UserFields: []string{"username"},
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, formatPost(*p))

	case actSearch:
		found, err := posts.SearchRecent(ctx, o.search, model.SearchParams{
			MaxResults: o.maxResults,
			Expansions: []string{"author_id"},
			PostFields: []string{"created_at", "author_id"},
			UserFields: []string{"username"},
		})
		if err != nil {
			return err
		}
		for _, p := range found {
			fmt.Fprintln(w, formatPost(p))
		}
		log.Printf("%d posts", len(found))

	case actPost:
		text, err := loadText(o)
		if err != nil {
			return err
		}
		mediaIDs, err := uploadAll(ctx, uploads, splitList(o.images), o.video)
		if err != nil {
			return err
		}
		p, err := posts.CreatePost(ctx, text, post.CreateOptions{
			MediaIDs:      mediaIDs,
			InReplyTo:     o.replyTo,
			QuotePostID:   o.quote,
			ReplySettings: o.replySettings,
		})
		if err != nil {
			return err
		}
		log.Printf("Posted post ID %s", p.ID)

	case actThread:
		segments, err := buildSegments(o, s)
		if err != nil {
			return err
		}
		res, err := posts.CreateThreadSegments(ctx, segments, threadOptions(o, s))
		if err != nil {
			return err
		}
		if !res.Succeeded {
			return fmt.Errorf("thread %s failed at segment %d (rolled back: %t, %d posts remain): %w",
				res.ID, res.FailedIndex, res.RolledBack, len(res.Posts), res.Err)
		}
		log.Printf("Posted thread %s: %d segments, first post ID %s", res.ID, len(res.Posts), res.Posts[0].ID)
	}
	return nil
}

func dryRun(w io.Writer, act action, o options, s config.Settings) error {
	fmt.Fprintln(w, "DRY RUN ✅ (no network calls)")
	switch act {
	case actDelete:
		fmt.Fprintf(w, "Will delete post %s\n", o.deleteID)
	case actRepost:
		fmt.Fprintf(w, "Will repost %s\n", o.repostID)
	case actUndoRepost:
		fmt.Fprintf(w, "Will undo repost of %s\n", o.undoRepostID)
	case actGet:
		fmt.Fprintf(w, "Will look up post %s\n", o.getID)
	case actSearch:
		fmt.Fprintf(w, "Will search recent posts for %q\n", o.search)
	case actPost:
		text, err := loadText(o)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Will post:\n---\n%s\n---\n", text)
		for _, p := range splitList(o.images) {
			if err := ensureFile(p); err != nil {
				return fmt.Errorf("image missing or unreadable: %s (%w)", p, err)
			}
			fmt.Fprintf(w, "Image: %s\n", p)
		}
		if o.video != "" {
			if err := ensureFile(o.video); err != nil {
				return fmt.Errorf("video missing or unreadable: %s (%w)", o.video, err)
			}
			fmt.Fprintf(w, "Video: %s\n", o.video)
		}
	case actThread:
		segments, err := buildSegments(o, s)
		if err != nil {
			return err
		}
		if o.htmlPath != "" {
			page, err := loadPage(o)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Source: %s (%q)\n", o.htmlPath, page.Title)
		}
		fmt.Fprintf(w, "Will post a thread of %d segments:\n", len(segments))
		for i, seg := range segments {
			fmt.Fprintf(w, "---[%d/%d, %d chars]\n%s\n", i+1, len(segments), runeLen(seg), seg)
		}
		fmt.Fprintln(w, "---")
	}
	return nil
}

func loadText(o options) (string, error) {
	switch {
	case o.text != "":
		return o.text, nil
	case o.file != "":
		if err := ensureFile(o.file); err != nil {
			return "", err
		}
		b, err := os.ReadFile(o.file)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	case o.htmlPath != "":
		page, err := loadPage(o)
		if err != nil {
			return "", err
		}
		return extract.ThreadText(page.Paragraphs), nil
	}
	return "", errors.New("no text given")
}

func loadPage(o options) (*extract.Page, error) {
	if err := ensureFile(o.htmlPath); err != nil {
		return nil, err
	}
	f, err := os.Open(o.htmlPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	page, err := extract.Parse(f, o.selector)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", o.htmlPath, err)
	}
	return page, nil
}

// saveCredentials copies credentials from the environment into the
// credential file, merging with what it already holds.
func saveCredentials(ctx context.Context, path string) error {
	m := config.NewManager(path)
	c, err := m.LoadCredentials(ctx, config.SourceEnv)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return m.SaveCredentials(c)
}

// showJournal prints the recorded outcome of a thread attempt and which of
// its posts are still published.
func showJournal(ctx context.Context, w io.Writer, path, threadID string) error {
	if path == "" {
		return errors.New("-journal-show needs -journal or XCLIENT_JOURNAL")
	}
	if err := ensureFile(path); err != nil {
		return fmt.Errorf("journal %s: %w", path, err)
	}
	store, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	th, err := store.Thread(ctx, threadID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Thread %s: %s, %d segments", th.ID, th.Status, th.Segments)
	if th.Status == journal.StatusFailed {
		fmt.Fprintf(w, ", failed at segment %d: %s", th.FailedIndex, th.Error)
	}
	fmt.Fprintln(w)

	all, err := store.Posts(ctx, threadID)
	if err != nil {
		return err
	}
	for _, p := range all {
		state := "published"
		switch {
		case p.DeletedAt != nil:
			state = "deleted"
		case p.DeleteError != "":
			state = "delete failed: " + p.DeleteError
		}
		fmt.Fprintf(w, "  [%d] %s %s\n", p.Index, p.PostID, state)
	}
	surviving, err := store.SurvivingPosts(ctx, threadID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d of %d posts still published\n", len(surviving), len(all))
	return nil
}

func buildSegments(o options, s config.Settings) ([]string, error) {
	text, err := loadText(o)
	if err != nil {
		return nil, err
	}
	name := o.strategy
	if name == "" {
		name = s.SplitStrategy
		if o.htmlPath != "" {
			name = string(textsplit.Paragraph)
		}
	}
	strategy, err := textsplit.ByName(name)
	if err != nil {
		return nil, err
	}
	segments, err := textsplit.ForThread(text, threadOptions(o, s).ChunkLimit, strategy)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, post.ErrEmptyThread
	}
	return segments, nil
}

func threadOptions(o options, s config.Settings) post.ThreadOptions {
	opts := post.ThreadOptions{
		ChunkLimit:      s.ChunkLimit,
		SegmentPause:    s.SegmentPause,
		DisableRollback: o.noRollback,
	}
	if o.chunkLimit > 0 {
		opts.ChunkLimit = o.chunkLimit
	}
	if opts.ChunkLimit <= 0 {
		opts.ChunkLimit = post.DefaultChunkLimit
	}
	if o.segmentPause >= 0 {
		opts.SegmentPause = o.segmentPause
	}
	return opts
}

func uploadAll(ctx context.Context, svc *media.Service, images []string, video string) ([]string, error) {
	if video != "" {
		res, err := svc.UploadVideo(ctx, video, "")
		if err != nil {
			return nil, err
		}
		return []string{res.MediaID}, nil
	}
	if len(images) == 0 {
		return nil, nil
	}
	if len(images) > maxImages {
		log.Printf("Only the first %d of %d images will be attached", maxImages, len(images))
		images = images[:maxImages]
	}
	ids := make([]string, 0, len(images))
	for _, p := range images {
		res, err := svc.UploadImage(ctx, p, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, res.MediaID)
	}
	return ids, nil
}

func formatPost(p model.Post) string {
	who := p.AuthorID
	if p.Author != nil && p.Author.Username != "" {
		who = "@" + p.Author.Username
	}
	if who == "" {
		return fmt.Sprintf("%s: %s", p.ID, p.Text)
	}
	return fmt.Sprintf("%s %s: %s", p.ID, who, p.Text)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fail(err error) int {
	log.Print(err)
	if apierror.IsAuthentication(err) {
		log.Print("check the TWITTER_* credentials or the credential file")
	}
	return 1
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func ensureFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	// Basic read to ensure permissions
	_, _ = f.Read(make([]byte, 1))
	return nil
}
