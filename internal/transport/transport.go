// Package transport bridges the Telegram collaborator to the core: it
// enforces the userID allow-list, maps inbound text to queue admissions or
// session-management commands, and picks inline-vs-file-artifact delivery
// for outbound replies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/wayfarer-labs/relay/internal/history"
	"github.com/wayfarer-labs/relay/internal/queue"
	"github.com/wayfarer-labs/relay/internal/relayerr"
	"github.com/wayfarer-labs/relay/internal/session"
)

// Inbound is one update delivered by the transport collaborator. Exactly
// one of Text or ImagePath is populated, matching spec.md §6's
// `text | {imagePath, caption}` union.
type Inbound struct {
	ChatID    int64
	UserID    int64
	Text      string
	ImagePath string
	Caption   string
}

// Adapter is the minimal surface the core needs from the Telegram
// collaborator to deliver outbound replies. The collaborator owns its own
// connection, polling/webhook loop, and inbound decoding; it calls
// Transport.OnMessage with the result.
type Adapter interface {
	// SendText delivers a single inline text message.
	SendText(ctx context.Context, chatID int64, text string) error
	// SendFile delivers a reply too long for inline text as a named file
	// artifact. filename carries a suggested name (e.g. "reply.md").
	SendFile(ctx context.Context, chatID int64, filename string, data []byte) error
}

// Enqueuer is the MessageQueue boundary Transport depends on.
type Enqueuer interface {
	Enqueue(chatID, userID int64, text string) (*queue.Job, int, error)
	Cancel(id string) error
	Snapshot() []queue.Summary
}

// SessionOps is the SessionManager boundary the command surface depends on.
type SessionOps interface {
	Open(ctx context.Context, name, dir string) (*session.Session, error)
	Close(name string) error
	List() []session.Summary
	SetDefault(name string) error
	DefaultName() string
}

// History is the HistoryStore boundary /history and /clean depend on.
type History interface {
	Recent(sessionName string, n int) []history.Entry
	Clear(sessionName string) error
}

// DeliveryMode selects how Transport delivers a reply that exceeds the
// inline-text threshold.
type DeliveryMode string

const (
	// DeliveryFile sends the overflow as a single Markdown file artifact.
	DeliveryFile DeliveryMode = "file"
	// DeliveryChunks splits the overflow with ChunkMessage and sends each
	// piece as its own chat-native text message.
	DeliveryChunks DeliveryMode = "chunks"
)

// Opts parameterizes New.
type Opts struct {
	Adapter         Adapter
	Queue           Enqueuer
	Sessions        SessionOps
	History         History
	AllowedUserIDs  []int64
	InlineMaxLength int
	// DeliveryMode picks how overflow replies are delivered. Empty defaults
	// to DeliveryFile.
	DeliveryMode DeliveryMode
}

// Transport is the Telegram-collaborator boundary.
type Transport struct {
	adapter      Adapter
	queue        Enqueuer
	sessions     SessionOps
	history      History
	allowed      map[int64]bool
	inlineN      int
	deliveryMode DeliveryMode
}

// New builds a Transport. A nil/empty AllowedUserIDs list means no userID
// is admitted; every message is dropped. This is deliberate: an unconfigured
// allow-list must fail closed, not open.
func New(opts Opts) *Transport {
	inlineN := opts.InlineMaxLength
	if inlineN <= 0 {
		inlineN = 3000
	}
	mode := opts.DeliveryMode
	if mode == "" {
		mode = DeliveryFile
	}
	allowed := make(map[int64]bool, len(opts.AllowedUserIDs))
	for _, id := range opts.AllowedUserIDs {
		allowed[id] = true
	}
	return &Transport{
		adapter:      opts.Adapter,
		queue:        opts.Queue,
		sessions:     opts.Sessions,
		history:      opts.History,
		allowed:      allowed,
		inlineN:      inlineN,
		deliveryMode: mode,
	}
}

// BindQueue attaches the queue after construction, for compositions where
// the queue's OnReply callback must reference this Transport's Deliver
// method before the queue itself can be built.
func (t *Transport) BindQueue(q Enqueuer) {
	t.queue = q
}

// SetAdapter attaches the outbound Adapter once the Telegram collaborator
// has finished connecting.
func (t *Transport) SetAdapter(a Adapter) {
	t.adapter = a
}

// OnMessage is the single inbound callback the Telegram collaborator calls
// for every update. Admission: userID must be on the allow-list, else the
// message is silently dropped (per spec.md §6).
func (t *Transport) OnMessage(ctx context.Context, in Inbound) {
	if !t.allowed[in.UserID] {
		log.Printf("transport: dropping message from unallowed user %d", in.UserID)
		return
	}

	text := in.Text
	if text == "" && in.ImagePath != "" {
		// No vision-capable child-process path is wired (spec.md §1
		// non-goal); acknowledge receipt so the user isn't left hanging.
		t.reply(ctx, in.ChatID, "images are not supported by this assistant session")
		return
	}

	if strings.HasPrefix(text, "/") {
		t.handleCommand(ctx, in.ChatID, in.UserID, text)
		return
	}

	if strings.TrimSpace(text) == "@" {
		t.replySessionList(ctx, in.ChatID)
		return
	}

	if _, _, err := t.queue.Enqueue(in.ChatID, in.UserID, text); err != nil {
		t.replyError(ctx, in.ChatID, "enqueue", err)
		return
	}
}

// Deliver is the queue's ReplyFunc: the outbound half of the boundary.
// It chooses inline text if the reply is at or under the configured
// threshold, and falls back to the configured DeliveryMode otherwise.
func (t *Transport) Deliver(chatID int64, reply string, err error) {
	ctx := context.Background()
	if err != nil {
		t.replyError(ctx, chatID, "job", err)
		return
	}
	if len(reply) <= t.inlineN {
		t.reply(ctx, chatID, reply)
		return
	}
	t.deliverOverflow(ctx, chatID, reply)
}

// deliverOverflow sends text too long for one inline message, either as
// chat-native chunks (ChunkMessage) or as a single file artifact, per the
// configured DeliveryMode.
func (t *Transport) deliverOverflow(ctx context.Context, chatID int64, text string) {
	if t.adapter == nil {
		return
	}
	if t.deliveryMode == DeliveryChunks {
		for _, chunk := range ChunkMessage(text, t.inlineN) {
			if err := t.adapter.SendText(ctx, chatID, chunk); err != nil {
				log.Printf("transport: send chunk to chat %d: %v", chatID, err)
				return
			}
		}
		return
	}
	if err := t.adapter.SendFile(ctx, chatID, "reply.md", []byte(text)); err != nil {
		log.Printf("transport: deliver file to chat %d: %v", chatID, err)
	}
}

func (t *Transport) handleCommand(ctx context.Context, chatID, userID int64, text string) {
	fields := strings.Fields(text)
	cmd := fields[0]
	rest := strings.TrimSpace(strings.TrimPrefix(text, cmd))

	switch cmd {
	case "/new":
		name := rest
		if _, err := t.sessions.Open(ctx, name, ""); err != nil {
			t.replyError(ctx, chatID, "new", err)
			return
		}
		t.reply(ctx, chatID, fmt.Sprintf("opened session %q", name))

	case "/open":
		args := strings.Fields(rest)
		if len(args) == 0 {
			t.reply(ctx, chatID, "usage: /open <name> [dir]")
			return
		}
		name := args[0]
		dir := ""
		if len(args) > 1 {
			dir = args[1]
		}
		if _, err := t.sessions.Open(ctx, name, dir); err != nil {
			t.replyError(ctx, chatID, "open", err)
			return
		}
		t.reply(ctx, chatID, fmt.Sprintf("opened session %q", name))

	case "/close":
		if err := t.sessions.Close(rest); err != nil {
			t.replyError(ctx, chatID, "close", err)
			return
		}
		t.reply(ctx, chatID, "closed")

	case "/default":
		if err := t.sessions.SetDefault(rest); err != nil {
			t.replyError(ctx, chatID, "default", err)
			return
		}
		if rest == "" {
			t.reply(ctx, chatID, "default reset to configured session")
			return
		}
		t.reply(ctx, chatID, fmt.Sprintf("default session set to %q", rest))

	case "/job":
		args := strings.Fields(rest)
		if len(args) == 2 && args[0] == "cancel" {
			if err := t.queue.Cancel(args[1]); err != nil {
				t.replyError(ctx, chatID, "job cancel", err)
				return
			}
			t.reply(ctx, chatID, fmt.Sprintf("cancelled %s", args[1]))
			return
		}
		t.replyQueueSnapshot(ctx, chatID)

	case "/clean":
		if t.history == nil {
			t.reply(ctx, chatID, "nothing to clean")
			return
		}
		name := rest
		if name == "" {
			name = t.sessions.DefaultName()
		}
		if err := t.history.Clear(name); err != nil {
			t.replyError(ctx, chatID, "clean", err)
			return
		}
		t.reply(ctx, chatID, fmt.Sprintf("cleared history for %q", name))

	case "/status":
		t.replyStatus(ctx, chatID)

	case "/history":
		n := 10
		if rest != "" {
			if parsed, err := strconv.Atoi(rest); err == nil && parsed > 0 {
				n = parsed
			}
		}
		t.replyHistory(ctx, chatID, n)

	default:
		t.reply(ctx, chatID, fmt.Sprintf("unknown command %q", cmd))
	}
}

func (t *Transport) replySessionList(ctx context.Context, chatID int64) {
	summaries := t.sessions.List()
	if len(summaries) == 0 {
		t.reply(ctx, chatID, "no sessions open")
		return
	}
	var b strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&b, "%s\t%s\n", s.Name, s.State)
	}
	t.reply(ctx, chatID, b.String())
}

func (t *Transport) replyQueueSnapshot(ctx context.Context, chatID int64) {
	snap := t.queue.Snapshot()
	if len(snap) == 0 {
		t.reply(ctx, chatID, "queue is empty")
		return
	}
	var b strings.Builder
	for _, j := range snap {
		fmt.Fprintf(&b, "%s\t%s\t%s\n", j.ID, j.Status, j.SessionName)
	}
	t.reply(ctx, chatID, b.String())
}

func (t *Transport) replyStatus(ctx context.Context, chatID int64) {
	summaries := t.sessions.List()
	snap := t.queue.Snapshot()
	t.reply(ctx, chatID, fmt.Sprintf("%d sessions, %d jobs in flight", len(summaries), len(snap)))
}

func (t *Transport) replyHistory(ctx context.Context, chatID int64, n int) {
	if t.history == nil {
		t.reply(ctx, chatID, "no history store configured")
		return
	}
	name := t.sessions.DefaultName()
	entries := t.history.Recent(name, n)
	if len(entries) == 0 {
		t.reply(ctx, chatID, "no history")
		return
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("[%s] %s", e.Direction, e.Text)
	}
	t.reply(ctx, chatID, strings.Join(lines, "\n"))
}

func (t *Transport) reply(ctx context.Context, chatID int64, text string) {
	if t.adapter == nil {
		return
	}
	if len(text) <= t.inlineN {
		if err := t.adapter.SendText(ctx, chatID, text); err != nil {
			log.Printf("transport: send to chat %d: %v", chatID, err)
		}
		return
	}
	t.deliverOverflow(ctx, chatID, text)
}

func (t *Transport) replyError(ctx context.Context, chatID int64, op string, err error) {
	msg := fmt.Sprintf("%s failed: %v", op, err)
	switch {
	case isAny(err, relayerr.ErrNameExists):
		msg = fmt.Sprintf("%s: a session with that name already exists", op)
	case isAny(err, relayerr.ErrNameInvalid):
		msg = fmt.Sprintf("%s: invalid session name", op)
	case isAny(err, relayerr.ErrWorkdirInvalid):
		msg = fmt.Sprintf("%s: invalid working directory", op)
	case isAny(err, relayerr.ErrNotFound):
		msg = fmt.Sprintf("%s: no such session", op)
	case isAny(err, relayerr.ErrIsDefault):
		msg = fmt.Sprintf("%s: cannot close the default session this way", op)
	case isAny(err, relayerr.ErrOverCapacity) && (op == "new" || op == "open"):
		msg = fmt.Sprintf("%s: too many sessions open", op)
	case isAny(err, relayerr.ErrOverCapacity):
		msg = fmt.Sprintf("%s: queue is full, try again shortly", op)
	case isAny(err, relayerr.ErrAlreadyRunning):
		msg = fmt.Sprintf("%s: job is already running and cannot be cancelled", op)
	case isAny(err, relayerr.ErrAlreadyTerminal):
		msg = fmt.Sprintf("%s: job already finished", op)
	case isAny(err, relayerr.ErrHardFail):
		msg = fmt.Sprintf("%s: assistant failed and could not recover\n%v", op, err)
	}
	t.reply(ctx, chatID, msg)
}

// ChunkMessage splits text into chunks of at most maxLen bytes, preferring
// to break at the nearest preceding newline. It is offered as an
// alternative to file-artifact delivery for callers that would rather
// stream a long reply as several chat-native messages.
func ChunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = 3000
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		chunk := text[:maxLen]
		breakAt := -1
		half := maxLen / 2
		for i := maxLen - 1; i >= half; i-- {
			if chunk[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			chunks = append(chunks, text[:breakAt])
			text = text[breakAt+1:]
		} else {
			chunks = append(chunks, chunk)
			text = text[maxLen:]
		}
	}
	return chunks
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
