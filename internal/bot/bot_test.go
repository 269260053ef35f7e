package bot

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"retouchbot/internal/i18n"
	"retouchbot/internal/imaging"
	"retouchbot/internal/models"
	"retouchbot/internal/promo"
	"retouchbot/internal/ratelimit"
	"retouchbot/internal/retouch"
	"retouchbot/internal/session"
	"retouchbot/internal/storage/stubs"
)

// fakeMessenger records everything the bot sends to Telegram
type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sent     []tgbotapi.Chattable
	sentIDs  []int
	requests []tgbotapi.Chattable
}

func (f *fakeMessenger) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.sent = append(f.sent, c)
	f.sentIDs = append(f.sentIDs, f.nextID)
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeMessenger) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeMessenger) GetFileDirectURL(fileID string) (string, error) {
	return "https://files.test/" + fileID, nil
}

// texts returns the plain messages sent to chatID in order
func (f *fakeMessenger) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

// message returns the last message with text and its ID
func (f *fakeMessenger) message(text string) (tgbotapi.MessageConfig, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.sent) - 1; i >= 0; i-- {
		if m, ok := f.sent[i].(tgbotapi.MessageConfig); ok && m.Text == text {
			return m, f.sentIDs[i], true
		}
	}
	return tgbotapi.MessageConfig{}, 0, false
}

func (f *fakeMessenger) edits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.sent {
		if e, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, e.Text)
		}
	}
	return out
}

// images returns sent photos and documents
func (f *fakeMessenger) images() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []tgbotapi.Chattable
	for _, c := range f.sent {
		switch c.(type) {
		case tgbotapi.PhotoConfig, tgbotapi.DocumentConfig:
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMessenger) deleted() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []int
	for _, c := range f.requests {
		if d, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			out = append(out, d.MessageID)
		}
	}
	return out
}

func (f *fakeMessenger) popups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.requests {
		if cb, ok := c.(tgbotapi.CallbackConfig); ok {
			out = append(out, cb.Text)
		}
	}
	return out
}

func (f *fakeMessenger) lastPopup() string {
	popups := f.popups()
	if len(popups) == 0 {
		return ""
	}
	return popups[len(popups)-1]
}

// fakeProcessor plays the retouch processor API
type fakeProcessor struct {
	mu       sync.Mutex
	startErr error
	statuses []retouch.Status
	calls    int
	started  int
	payloads []string
	onStatus func()
}

func (p *fakeProcessor) Start(ctx context.Context, photo []byte, payload string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.startErr != nil {
		return "", p.startErr
	}
	p.started++
	p.payloads = append(p.payloads, payload)
	return "job-" + strconv.Itoa(p.started), nil
}

func (p *fakeProcessor) Status(ctx context.Context, jobID string) (retouch.Status, error) {
	if p.onStatus != nil {
		p.onStatus()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := min(p.calls, len(p.statuses)-1)
	p.calls++
	return p.statuses[idx], nil
}

func (p *fakeProcessor) File(ctx context.Context, jobID string) ([]byte, error) {
	return []byte("retouched"), nil
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return []byte("fetched:" + url), nil
}

// fakeComposer records what it was asked to compose
type fakeComposer struct {
	mu    sync.Mutex
	bases [][]byte
	opts  []imaging.ComposeOptions
	err   error
}

func (c *fakeComposer) Compose(ctx context.Context, base []byte, opts imaging.ComposeOptions) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bases = append(c.bases, base)
	c.opts = append(c.opts, opts)
	if c.err != nil {
		return nil, c.err
	}
	return []byte("composed"), nil
}

type harness struct {
	bot      *Bot
	tg       *fakeMessenger
	db       *stubs.MockDB
	proc     *fakeProcessor
	composer *fakeComposer
}

func newHarness(t *testing.T, users ...models.User) *harness {
	t.Helper()
	ctx := context.Background()

	db := stubs.NewMockDB()
	require.NoError(t, db.Initialize(ctx))
	for _, u := range users {
		_, err := db.CreateUser(ctx, u)
		require.NoError(t, err)
	}

	texts, err := i18n.NewLocalizer(os.DirFS("../../locales"), zap.NewNop())
	require.NoError(t, err)

	proc := &fakeProcessor{statuses: []retouch.Status{
		{Progress: 40},
		{Progress: 100, State: retouch.StateCompleted},
	}}
	tg := &fakeMessenger{}
	composer := &fakeComposer{}

	b := newBot(tg, Deps{
		DB:       db,
		Sessions: session.NewStore(zap.NewNop()),
		Jobs:     retouch.NewService(proc, db, zap.NewNop(), time.Millisecond, time.Second),
		Composer: composer,
		Fetcher:  fakeFetcher{},
		Promos:   promo.NewService(db, zap.NewNop()),
		Texts:    texts,
		Limiter:  ratelimit.New(0, 0),
		Normalize: func(ctx context.Context, raw []byte) ([]byte, error) {
			return raw, nil
		},
		NormalizeOverlay: func(ctx context.Context, raw []byte) ([]byte, error) {
			if strings.HasSuffix(string(raw), ".heic") {
				return nil, errors.New("no decoder")
			}
			return append([]byte("overlay:"), raw...), nil
		},
	}, Options{
		AdminChatIDs:       []int64{900},
		PaymentTerminalURL: "https://pay.test/terminal",
		FreeGenerations:    1,
	}, zap.NewNop())

	return &harness{bot: b, tg: tg, db: db, proc: proc, composer: composer}
}

func (h *harness) t(key string, params map[string]string) string {
	return h.bot.t(models.LanguageEN, key, params)
}

func (h *harness) user(t *testing.T, id int64) models.User {
	t.Helper()
	u, err := h.db.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (h *harness) session(id int64) session.Session {
	return h.bot.sessions.Get(id)
}

func (h *harness) handle(update tgbotapi.Update) {
	h.bot.HandleUpdate(context.Background(), update)
}

func command(userID int64, name string) tgbotapi.Update {
	text := "/" + name
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func text(userID int64, s string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID},
		Text: s,
	}}
}

func photo(userID int64, fileID string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID},
		Photo: []tgbotapi.PhotoSize{
			{FileID: fileID + "-small", Width: 90},
			{FileID: fileID, Width: 1280},
		},
	}}
}

func document(userID int64, fileID string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID},
		Chat:     &tgbotapi.Chat{ID: userID},
		Document: &tgbotapi.Document{FileID: fileID, FileName: "photo.png"},
	}}
}

func tap(userID int64, messageID int, data callbackData) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "query",
		From: &tgbotapi.User{ID: userID},
		Message: &tgbotapi.Message{
			MessageID: messageID,
			Chat:      &tgbotapi.Chat{ID: userID},
		},
		Data: data.String(),
	}}
}

func TestPhoto_PaidJobOffersAccessories(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 1, FreeGenerations: 1})

	var paidWhilePolling []int
	h.proc.onStatus = func() {
		u, _ := h.db.GetUser(context.Background(), 1)
		paidWhilePolling = append(paidWhilePolling, u.PaidGenerations)
	}

	h.handle(photo(1, "orig"))

	require.NotEmpty(t, paidWhilePolling)
	for _, paid := range paidWhilePolling {
		assert.Equal(t, 0, paid, "credit is charged before polling starts")
	}

	user := h.user(t, 1)
	assert.Equal(t, 0, user.PaidGenerations)
	assert.Equal(t, 1, user.FreeGenerations)

	gens := h.db.Generations()
	require.Len(t, gens, 1)
	assert.Equal(t, models.GenerationPaid, gens[0].Kind)
	assert.Equal(t, `{"mode":"light"}`, h.proc.payloads[0])

	sess := h.session(1)
	assert.Equal(t, session.StepAccessorySelection, sess.Step)
	assert.Equal(t, "job-1", sess.ActiveJobID)
	assert.Equal(t, uint32(1), sess.Flow)
	assert.Empty(t, sess.ProgressMessageByJob)

	texts := h.tg.texts(1)
	assert.Contains(t, texts, h.t("photo_sent", map[string]string{"progress": RenderProgressBar(0)}))
	assert.Contains(t, texts, h.t("photo_processed", nil))
	assert.Contains(t, texts, h.t("AskAddVials", nil))

	assert.Equal(t, []string{
		h.t("photo_sent", map[string]string{"progress": RenderProgressBar(40)}),
		h.t("photo_sent", map[string]string{"progress": RenderProgressBar(100)}),
	}, h.tg.edits())

	_, progressID, ok := h.tg.message(h.t("photo_sent", map[string]string{"progress": RenderProgressBar(0)}))
	require.True(t, ok)
	assert.Contains(t, h.tg.deleted(), progressID)

	assert.Empty(t, h.tg.images(), "paid results wait for accessory and watermark choices")
	assert.Empty(t, h.composer.opts)
}

func TestPhoto_FreeJobIsDeliveredWithWatermark(t *testing.T) {
	h := newHarness(t, models.User{ID: 2, FreeGenerations: 1, SettingsProfileID: 3})

	h.handle(document(2, "doc"))

	assert.Equal(t, `{"mode":"light"}`, h.proc.payloads[0], "free jobs use the default profile")
	assert.Equal(t, 0, h.user(t, 2).FreeGenerations)

	require.Len(t, h.composer.opts, 1)
	assert.True(t, h.composer.opts[0].ApplyWatermark)
	assert.Empty(t, h.composer.opts[0].AccessoryURLs)
	assert.Equal(t, []byte("retouched"), h.composer.bases[0])

	images := h.tg.images()
	require.Len(t, images, 1)
	doc, ok := images[0].(tgbotapi.DocumentConfig)
	require.True(t, ok, "documents are answered with documents")
	assert.Equal(t, h.t("thanks_for_using", nil), doc.Caption)

	assert.Contains(t, h.tg.texts(2), h.t("u_need_add_balance", nil))
	assert.Equal(t, session.StepIdle, h.session(2).Step)
	assert.Empty(t, h.session(2).ActiveJobID)
}

func TestPhoto_WithoutCredits(t *testing.T) {
	h := newHarness(t, models.User{ID: 3})

	h.handle(photo(3, "orig"))

	assert.Equal(t, []string{h.t("generations_expired", nil)}, h.tg.texts(3))
	assert.Zero(t, h.proc.started)
	assert.Equal(t, session.StepIdle, h.session(3).Step)
}

func TestPhoto_NewPhotoWhileProcessingStartsAnotherJob(t *testing.T) {
	h := newHarness(t, models.User{ID: 4, PaidGenerations: 2})

	second := false
	h.proc.onStatus = func() {
		if second {
			return
		}
		second = true
		assert.Equal(t, session.StepProcessing, h.session(4).Step)
		h.handle(photo(4, "second"))
	}

	h.handle(photo(4, "first"))

	assert.Equal(t, 2, h.proc.started)
	assert.Equal(t, 0, h.user(t, 4).PaidGenerations, "each job is charged")

	sess := h.session(4)
	assert.Equal(t, session.StepAccessorySelection, sess.Step)
	assert.Equal(t, "job-2", sess.ActiveJobID)
	assert.Equal(t, uint32(2), sess.Flow)
	assert.Empty(t, sess.ProgressMessageByJob)

	// The first job finished after the second took over and is delivered as is
	require.Len(t, h.composer.opts, 1)
	assert.False(t, h.composer.opts[0].ApplyWatermark)
	assert.Empty(t, h.composer.opts[0].AccessoryURLs)
	assert.Len(t, h.tg.images(), 1)

	asks := 0
	for _, text := range h.tg.texts(4) {
		if text == h.t("AskAddVials", nil) {
			asks++
		}
	}
	assert.Equal(t, 1, asks, "only the current job offers accessories")
}

func TestPhoto_SubmissionFailureKeepsCredit(t *testing.T) {
	h := newHarness(t, models.User{ID: 5, PaidGenerations: 1})
	h.proc.startErr = &retouch.SubmissionError{StatusCode: 502, Err: errors.New("bad gateway")}

	h.handle(photo(5, "orig"))

	assert.Contains(t, h.tg.texts(5), h.t("file_upload_error", nil))
	assert.Equal(t, 1, h.user(t, 5).PaidGenerations)
	assert.Equal(t, session.StepIdle, h.session(5).Step)
	assert.Empty(t, h.db.Generations())
}

func TestPhoto_PanicReleasesProcessing(t *testing.T) {
	h := newHarness(t, models.User{ID: 5, PaidGenerations: 2})
	calls := 0
	h.bot.normalize = func(ctx context.Context, raw []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			panic("decoder crashed")
		}
		return raw, nil
	}

	h.handle(photo(5, "first"))

	sess := h.session(5)
	assert.Equal(t, session.StepIdle, sess.Step)
	assert.Equal(t, uint32(2), sess.Flow, "buttons of the crashed job are stale")
	assert.Equal(t, []string{h.t("file_upload_error", nil)}, h.tg.texts(5))
	assert.Equal(t, 2, h.user(t, 5).PaidGenerations)

	h.handle(photo(5, "second"))

	assert.Equal(t, 1, h.proc.started)
	assert.Equal(t, session.StepAccessorySelection, h.session(5).Step)
}

func TestPhoto_UnknownUserIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.handle(photo(77, "orig"))

	assert.Empty(t, h.tg.sent)
	assert.Zero(t, h.proc.started)
}

func seedAccessories(h *harness) {
	h.db.AddCategory(models.AccessoryCategory{ID: 10, Name: "Perfume"})
	for _, a := range []models.Accessory{
		{ID: 101, Name: "Rose", PhotoURL: "https://cdn.test/rose.png", CategoryID: 10},
		{ID: 102, Name: "Oud", PhotoURL: "https://cdn.test/oud.png", CategoryID: 10},
		{ID: 103, Name: "Musk", PhotoURL: "https://cdn.test/musk.png", CategoryID: 10},
	} {
		h.db.AddAccessory(a)
	}
}

func TestPaidFlow_AccessoriesCapAndWatermark(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 1})
	seedAccessories(h)

	h.handle(photo(1, "orig"))
	flow := h.session(1).Flow
	_, askID, ok := h.tg.message(h.t("AskAddVials", nil))
	require.True(t, ok)

	h.handle(tap(1, askID, callbackData{Action: actAddVials, Flow: flow, ID: 1}))
	assert.Contains(t, h.tg.deleted(), askID)
	categoryMsg := h.session(1).LastCategorySelectionMessageID
	require.NotZero(t, categoryMsg)

	h.handle(tap(1, categoryMsg, callbackData{Action: actCategory, Flow: flow, Category: 10, Page: 1}))
	assert.Zero(t, h.session(1).LastCategorySelectionMessageID)
	assert.Contains(t, h.tg.deleted(), categoryMsg)
	require.NotZero(t, h.session(1).LastVialSelectionMessageID)

	toggle := func(id int64) string {
		h.handle(tap(1, h.session(1).LastVialSelectionMessageID,
			callbackData{Action: actVialToggle, Flow: flow, ID: id, Category: 10, Page: 1}))
		return h.tg.lastPopup()
	}

	assert.Equal(t, h.t("vial_added", nil), toggle(101))
	assert.Equal(t, h.t("vial_added", nil), toggle(102))
	assert.Equal(t, h.t("max_vials_selected", nil), toggle(103))
	assert.Equal(t, h.t("max_vials_selected", nil), toggle(103))

	notices := 0
	for _, s := range h.tg.texts(1) {
		if s == h.t("max_vials_selected_message", nil) {
			notices++
		}
	}
	assert.Equal(t, 1, notices, "the cap notice is sent once")
	capNotice := h.session(1).CapNoticeMessageID
	require.NotZero(t, capNotice)

	assert.Equal(t, h.t("vial_removed", nil), toggle(101))
	assert.Zero(t, h.session(1).CapNoticeMessageID)
	assert.Contains(t, h.tg.deleted(), capNotice)
	assert.Equal(t, h.t("vial_added", nil), toggle(103))

	selected, err := h.db.SelectedAccessories(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, selected, models.MaxAccessories)

	h.handle(tap(1, h.session(1).LastVialSelectionMessageID, callbackData{Action: actToWatermark, Flow: flow}))
	sess := h.session(1)
	assert.Equal(t, session.StepWatermarkSelection, sess.Step)
	assert.True(t, sess.AccessoriesApplied)
	assert.Zero(t, sess.LastVialSelectionMessageID)
	_, questionID, ok := h.tg.message(h.t("watermark_question", nil))
	require.True(t, ok)

	h.handle(tap(1, questionID, callbackData{Action: actWatermark, Flow: flow, ID: watermarkDefault}))

	require.Len(t, h.composer.opts, 1)
	assert.Equal(t, []string{"https://cdn.test/oud.png", "https://cdn.test/musk.png"}, h.composer.opts[0].AccessoryURLs)
	assert.True(t, h.composer.opts[0].ApplyWatermark)
	assert.Nil(t, h.composer.opts[0].Watermark)

	images := h.tg.images()
	require.Len(t, images, 1)
	_, isPhoto := images[0].(tgbotapi.PhotoConfig)
	assert.True(t, isPhoto)
	assert.Equal(t, session.StepIdle, h.session(1).Step)

	// The finished job's keyboard no longer works
	h.handle(tap(1, questionID, callbackData{Action: actWatermark, Flow: flow, ID: watermarkNone}))
	assert.Equal(t, h.t("action_outdated", nil), h.tg.lastPopup())
	assert.Len(t, h.composer.opts, 1)
}

func TestPaidFlow_NoAccessoriesNoWatermark(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 1})
	seedAccessories(h)
	// Earlier selections stay stored but are not applied when skipped
	_, err := h.db.AddSelectedAccessory(context.Background(), 1, 101, models.MaxAccessories)
	require.NoError(t, err)

	h.handle(photo(1, "orig"))
	flow := h.session(1).Flow

	h.handle(tap(1, 0, callbackData{Action: actAddVials, Flow: flow, ID: 0}))
	assert.False(t, h.session(1).AccessoriesApplied)

	h.handle(tap(1, 0, callbackData{Action: actWatermark, Flow: flow, ID: watermarkNone}))

	require.Len(t, h.composer.opts, 1)
	assert.Empty(t, h.composer.opts[0].AccessoryURLs)
	assert.False(t, h.composer.opts[0].ApplyWatermark)
}

func TestPaidFlow_CustomWatermark(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 1})

	h.handle(photo(1, "orig"))
	flow := h.session(1).Flow
	h.handle(tap(1, 0, callbackData{Action: actAddVials, Flow: flow, ID: 0}))
	h.handle(tap(1, 0, callbackData{Action: actWatermark, Flow: flow, ID: watermarkCustom}))

	sess := h.session(1)
	assert.Equal(t, session.StepAwaitingCustomWatermark, sess.Step)
	assert.Equal(t, "job-1", sess.PendingWatermarkUploadFor)
	assert.Contains(t, h.tg.texts(1), h.t("my_watermark", nil))

	h.handle(photo(1, "logo"))

	assert.Equal(t, 1, h.proc.started, "the watermark upload is not a new job")
	require.Len(t, h.composer.opts, 1)
	assert.True(t, h.composer.opts[0].ApplyWatermark)
	assert.Equal(t, []byte("overlay:fetched:https://files.test/logo"), h.composer.opts[0].Watermark)
	assert.Contains(t, h.tg.texts(1), h.t("watermark_upload_success", nil))
	assert.Len(t, h.tg.images(), 1)
	assert.Equal(t, session.StepIdle, h.session(1).Step)
}

func TestPaidFlow_BrokenCustomWatermark(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 1})
	h.composer.err = imaging.ErrWatermark

	h.handle(photo(1, "orig"))
	flow := h.session(1).Flow
	h.handle(tap(1, 0, callbackData{Action: actAddVials, Flow: flow, ID: 0}))
	h.handle(tap(1, 0, callbackData{Action: actWatermark, Flow: flow, ID: watermarkCustom}))
	h.handle(document(1, "logo.txt"))

	assert.Contains(t, h.tg.texts(1), h.t("watermark_upload_failed", nil))
	assert.Empty(t, h.tg.images())
	assert.Equal(t, session.StepIdle, h.session(1).Step)
}

func TestPaidFlow_NewPhotoAbandonsSelection(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 2})
	seedAccessories(h)

	h.handle(photo(1, "first"))
	oldFlow := h.session(1).Flow
	h.handle(tap(1, 0, callbackData{Action: actAddVials, Flow: oldFlow, ID: 1}))
	categoryMsg := h.session(1).LastCategorySelectionMessageID
	require.NotZero(t, categoryMsg)

	h.handle(photo(1, "second"))

	assert.Contains(t, h.tg.deleted(), categoryMsg)
	sess := h.session(1)
	assert.Equal(t, oldFlow+1, sess.Flow)
	assert.Equal(t, "job-2", sess.ActiveJobID)
	assert.Zero(t, sess.LastCategorySelectionMessageID)
	assert.Len(t, h.db.Generations(), 2)

	h.handle(tap(1, categoryMsg, callbackData{Action: actCategory, Flow: oldFlow, Category: 10, Page: 1}))
	assert.Equal(t, h.t("action_outdated", nil), h.tg.lastPopup())
	assert.Zero(t, h.session(1).LastVialSelectionMessageID)
}

func TestCallback_WrongStepIsOutdated(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 1})

	h.handle(photo(1, "orig"))
	flow := h.session(1).Flow

	// Watermark buttons are not valid while accessories are being chosen
	h.handle(tap(1, 0, callbackData{Action: actWatermark, Flow: flow, ID: watermarkDefault}))
	assert.Equal(t, h.t("action_outdated", nil), h.tg.lastPopup())
	assert.Empty(t, h.composer.opts)
	assert.Equal(t, session.StepAccessorySelection, h.session(1).Step)
}

func TestCallback_MalformedIsAnswered(t *testing.T) {
	h := newHarness(t, models.User{ID: 1})

	update := tap(1, 5, callbackData{})
	update.CallbackQuery.Data = "not-a-button"
	h.handle(update)

	assert.Equal(t, []string{""}, h.tg.popups())
}

func TestStart_RegistersNewUser(t *testing.T) {
	h := newHarness(t)

	update := command(42, "start")
	update.Message.From.FirstName = "Anna"
	update.Message.From.UserName = "anna"
	update.Message.From.LanguageCode = "ru"
	h.handle(update)

	user := h.user(t, 42)
	assert.Equal(t, models.LanguageRU, user.Language)
	assert.Equal(t, "Anna", user.FullName)
	assert.Equal(t, 1, user.FreeGenerations)
	assert.Equal(t, int64(1), user.SettingsProfileID)

	welcome := h.bot.t(models.LanguageRU, "welcome", map[string]string{"name": "Anna"})
	assert.Equal(t, []string{welcome}, h.tg.texts(42))

	var commands []tgbotapi.SetMyCommandsConfig
	for _, r := range h.tg.requests {
		if c, ok := r.(tgbotapi.SetMyCommandsConfig); ok {
			commands = append(commands, c)
		}
	}
	require.Len(t, commands, 1)
	assert.Len(t, commands[0].Commands, len(menuCommands))
	assert.Equal(t, h.bot.t(models.LanguageRU, "command_start", nil), commands[0].Commands[0].Description)

	h.handle(command(42, "start"))
	assert.Equal(t, h.bot.t(models.LanguageRU, "welcome_back", nil), h.tg.texts(42)[1])
}

func TestPromo_TextFlow(t *testing.T) {
	h := newHarness(t, models.User{ID: 1})
	h.db.AddPromoCode(models.PromoCode{
		Code:            "BONUS",
		IsActive:        true,
		UsesLeft:        5,
		ExpiresAt:       time.Now().Add(time.Hour),
		IsAddGeneration: true,
		GenerationCount: 3,
	})

	h.handle(text(1, "BONUS"))
	assert.Equal(t, h.t("unknown_command", nil), h.tg.texts(1)[0], "text without /promo is not a code")

	h.handle(command(1, "promo"))
	assert.True(t, h.session(1).AwaitingPromoCode)
	h.handle(text(1, " bonus "))

	assert.False(t, h.session(1).AwaitingPromoCode)
	assert.Equal(t, 3, h.user(t, 1).PaidGenerations)
	assert.Contains(t, h.tg.texts(1), h.t("promo_code_activated_generation", map[string]string{"count": "3"}))

	h.handle(command(1, "promo"))
	h.handle(text(1, "BONUS"))
	assert.Equal(t, h.t("error_promocode_already_used", nil), h.tg.texts(1)[len(h.tg.texts(1))-1])

	h.handle(command(1, "promo"))
	h.handle(text(1, "MISSING"))
	assert.Equal(t, h.t("error_promocode_not_found", nil), h.tg.texts(1)[len(h.tg.texts(1))-1])
}

func TestPromo_CommandCancelsPrompt(t *testing.T) {
	h := newHarness(t, models.User{ID: 1})

	h.handle(command(1, "promo"))
	h.handle(command(1, "generations"))

	assert.False(t, h.session(1).AwaitingPromoCode)
	assert.Equal(t, h.t("user_generations", map[string]string{"freeGenerations": "0", "paidGenerations": "0"}),
		h.tg.texts(1)[1])
}

func TestSettings_ModeChoice(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 1})

	h.handle(command(1, "photosettings"))
	msg, msgID, ok := h.tg.message(h.t("choose_mode", nil))
	require.True(t, ok)
	keyboard := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.Len(t, keyboard.InlineKeyboard, len(retouchModes))
	assert.Equal(t, h.t("mode_light", nil)+" ✅", keyboard.InlineKeyboard[0][0].Text)

	h.handle(tap(1, msgID, callbackData{Action: actMode, ID: 3}))

	assert.Equal(t, int64(3), h.user(t, 1).SettingsProfileID)
	changed := h.t("mode_changed", map[string]string{"mode": h.t("mode_hard", nil)})
	assert.Equal(t, changed, h.tg.lastPopup())
	assert.Contains(t, h.tg.deleted(), msgID)
}

func TestSettings_NeedPaidGenerations(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, FreeGenerations: 1})

	h.handle(command(1, "photosettings"))

	assert.Equal(t, []string{h.t("u_need_add_balance_setting", nil)}, h.tg.texts(1))
}

func TestLanguage_Choice(t *testing.T) {
	h := newHarness(t, models.User{ID: 1})

	h.handle(command(1, "language"))
	_, msgID, ok := h.tg.message(h.t("choose_language", nil))
	require.True(t, ok)

	h.handle(tap(1, msgID, callbackData{Action: actLanguage, ID: languageRU}))

	assert.Equal(t, models.LanguageRU, h.user(t, 1).Language)
	assert.Equal(t, []string{h.bot.t(models.LanguageRU, "language_changed", nil)}, h.tg.edits())
}

func TestSupport_ListsContacts(t *testing.T) {
	h := newHarness(t, models.User{ID: 1})

	h.handle(command(1, "support"))
	assert.Equal(t, h.t("no_info_support", nil), h.tg.texts(1)[0])

	h.db.AddSupportContact("@help")
	h.db.AddSupportContact("@billing")
	h.handle(command(1, "support"))
	assert.Equal(t,
		h.t("support_message", map[string]string{"username": "@help"})+"\n\n"+
			h.t("support_message", map[string]string{"username": "@billing"}),
		h.tg.texts(1)[1])
}

func TestHandleUpdate_Throttled(t *testing.T) {
	h := newHarness(t, models.User{ID: 1})
	h.bot.limiter = ratelimit.New(time.Hour, 1)

	h.handle(command(1, "generations"))
	h.handle(command(1, "generations"))
	h.handle(tap(1, 1, callbackData{Action: actLanguage, ID: languageRU}))

	assert.Len(t, h.tg.texts(1), 1)
	assert.Equal(t, []string{""}, h.tg.popups(), "a throttled button is still answered")
	assert.Equal(t, models.LanguageEN, h.user(t, 1).Language)
}

func TestDispatch_Wait(t *testing.T) {
	h := newHarness(t, models.User{ID: 1})

	for range 3 {
		h.bot.Dispatch(context.Background(), command(1, "generations"))
	}
	h.bot.Wait()

	assert.Len(t, h.tg.texts(1), 3)
}

func TestPaidFlow_UnreadableCustomWatermark(t *testing.T) {
	h := newHarness(t, models.User{ID: 1, PaidGenerations: 1})

	h.handle(photo(1, "orig"))
	flow := h.session(1).Flow
	h.handle(tap(1, 0, callbackData{Action: actAddVials, Flow: flow, ID: 0}))
	h.handle(tap(1, 0, callbackData{Action: actWatermark, Flow: flow, ID: watermarkCustom}))
	h.handle(document(1, "logo.heic"))

	assert.Contains(t, h.tg.texts(1), h.t("watermark_upload_failed", nil))
	assert.Empty(t, h.composer.opts, "nothing is composed with an unreadable watermark")
	assert.Empty(t, h.tg.images())
	assert.Equal(t, session.StepIdle, h.session(1).Step)
}
