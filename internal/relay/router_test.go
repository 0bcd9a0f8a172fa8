package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/presence"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeChannel) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.sent = append(f.sent, cp)
	return nil
}

// payloads decodes everything the channel received.
func (f *fakeChannel) payloads(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("undecodable payload %q: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeChannel) byAction(t *testing.T, action string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.payloads(t) {
		if m["action"] == action {
			out = append(out, m)
		}
	}
	return out
}

type pushCall struct {
	role     chat.Role
	userID   uint64
	title    string
	body     string
	data     map[string]string
	allStaff bool
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []pushCall
}

func (d *recordingDispatcher) PushTo(_ context.Context, role chat.Role, userID uint64, title, body string, data map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, pushCall{role: role, userID: userID, title: title, body: body, data: data})
	return nil
}

func (d *recordingDispatcher) PushToAllStaff(_ context.Context, title, body string, data map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, pushCall{allStaff: true, title: title, body: body, data: data})
	return nil
}

func (d *recordingDispatcher) all() []pushCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pushCall(nil), d.calls...)
}

type testEnv struct {
	router *Router
	repo   *chat.Repo
	reg    *presence.Registry
	disp   *recordingDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.ChatUser{}, &chat.Connection{}, &chat.Message{}, &chat.Report{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	repo := chat.NewRepo(db)
	reg := presence.NewRegistry()
	disp := &recordingDispatcher{}
	return &testEnv{
		router: NewRouter(repo, reg, disp, 100),
		repo:   repo,
		reg:    reg,
		disp:   disp,
	}
}

func frame(t *testing.T, m map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

// connect announces a user over a fresh fake channel and returns the client.
func (e *testEnv) connect(t *testing.T, role chat.Role, userID uint64) (*Client, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	c := NewClient(ch, "127.0.0.1")
	e.router.HandleFrame(context.Background(), c, frame(t, map[string]any{
		"action":    "connect",
		"user_id":   userID,
		"user_type": string(role),
	}))
	replies := ch.byAction(t, "connected")
	if len(replies) != 1 {
		t.Fatalf("connect got %d connected replies, want 1", len(replies))
	}
	if replies[0]["status"] != "success" || replies[0]["user_id"] != float64(userID) {
		t.Fatalf("unexpected connected reply: %v", replies[0])
	}
	return c, ch
}

// pair creates (if needed) the chat users and the connection between them.
func (e *testEnv) pair(t *testing.T, aRole chat.Role, aID uint64, bRole chat.Role, bID uint64) *chat.Connection {
	t.Helper()
	ctx := context.Background()
	a, _, err := e.repo.GetOrCreateUser(ctx, aRole, aID, "")
	if err != nil {
		t.Fatalf("resolve %s %d: %v", aRole, aID, err)
	}
	b, _, err := e.repo.GetOrCreateUser(ctx, bRole, bID, "")
	if err != nil {
		t.Fatalf("resolve %s %d: %v", bRole, bID, err)
	}
	conn, _, err := e.repo.GetOrCreateConnection(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("pair connection: %v", err)
	}
	return conn
}

func (e *testEnv) supportPair(t *testing.T, role chat.Role, userID uint64) *chat.Connection {
	t.Helper()
	ctx := context.Background()
	support, err := e.repo.SupportUser(ctx)
	if err != nil {
		t.Fatalf("support user: %v", err)
	}
	u, _, err := e.repo.GetOrCreateUser(ctx, role, userID, "")
	if err != nil {
		t.Fatalf("resolve %s %d: %v", role, userID, err)
	}
	conn, _, err := e.repo.GetOrCreateConnection(ctx, u.ID, support.ID)
	if err != nil {
		t.Fatalf("support connection: %v", err)
	}
	return conn
}

func TestConnectRejectsBadRole(t *testing.T) {
	env := newTestEnv(t)
	ch := &fakeChannel{}
	c := NewClient(ch, "127.0.0.1")

	env.router.HandleFrame(context.Background(), c, frame(t, map[string]any{
		"action":    "connect",
		"user_id":   5,
		"user_type": "wizard",
	}))
	errs := ch.byAction(t, "error")
	if len(errs) != 1 || errs[0]["message"] != `Invalid user_type. Must be "staff" or "student"` {
		t.Fatalf("unexpected reply: %v", ch.payloads(t))
	}

	// a connect frame without user_id is dropped without a reply
	ch2 := &fakeChannel{}
	c2 := NewClient(ch2, "127.0.0.1")
	env.router.HandleFrame(context.Background(), c2, frame(t, map[string]any{"action": "connect"}))
	if len(ch2.payloads(t)) != 0 {
		t.Fatalf("expected silence, got %v", ch2.payloads(t))
	}
}

func TestConnectAcceptsStringUserID(t *testing.T) {
	env := newTestEnv(t)
	ch := &fakeChannel{}
	c := NewClient(ch, "127.0.0.1")
	env.router.HandleFrame(context.Background(), c, []byte(`{"action":"connect","user_id":"77","user_type":"student"}`))
	replies := ch.byAction(t, "connected")
	if len(replies) != 1 || replies[0]["user_id"] != float64(77) {
		t.Fatalf("string user_id not accepted: %v", ch.payloads(t))
	}
	if _, ok := env.reg.Lookup(chat.UserKey{Role: chat.RoleStudent, UserID: 77}); !ok {
		t.Fatalf("channel not registered")
	}
}

func TestDirectDelivery(t *testing.T) {
	env := newTestEnv(t)
	conn := env.pair(t, chat.RoleStaff, 1, chat.RoleStudent, 2)

	_, staffCh := env.connect(t, chat.RoleStaff, 1)
	student, studentCh := env.connect(t, chat.RoleStudent, 2)

	env.router.HandleFrame(context.Background(), student, frame(t, map[string]any{
		"action":             "send_message",
		"chat_connection_id": conn.ID,
		"message":            "hi there",
		"sender_id":          2,
	}))

	events := staffCh.byAction(t, "new_message")
	if len(events) != 1 {
		t.Fatalf("staff got %d new_message events, want 1", len(events))
	}
	ev := events[0]
	if ev["message"] != "hi there" || ev["sender_id"] != float64(2) || ev["chat_connection_id"] != float64(conn.ID) {
		t.Fatalf("unexpected event: %v", ev)
	}
	if ev["message_type"] != "text" {
		t.Fatalf("default message_type = %v, want text", ev["message_type"])
	}
	if _, ok := ev["actual_sender_staff_id"]; ok {
		t.Fatalf("direct message must not carry actual_sender_staff_id")
	}

	acks := studentCh.byAction(t, "message_sent")
	if len(acks) != 1 || acks[0]["status"] != "success" {
		t.Fatalf("sender ack missing: %v", studentCh.payloads(t))
	}
	// the sender never receives its own message event
	if got := studentCh.byAction(t, "new_message"); len(got) != 0 {
		t.Fatalf("sender echoed its own message")
	}
	// receiver was live, nothing to push
	if calls := env.disp.all(); len(calls) != 0 {
		t.Fatalf("unexpected push calls: %v", calls)
	}
}

func TestSupportInboxBroadcast(t *testing.T) {
	env := newTestEnv(t)
	conn := env.supportPair(t, chat.RoleStudent, 2)

	_, a := env.connect(t, chat.RoleStaff, 11)
	_, b := env.connect(t, chat.RoleStaff, 12)
	_, c3 := env.connect(t, chat.RoleStaff, 13)
	student, studentCh := env.connect(t, chat.RoleStudent, 2)

	env.router.HandleFrame(context.Background(), student, frame(t, map[string]any{
		"action":             "send_message",
		"chat_connection_id": conn.ID,
		"message":            "help please",
		"sender_id":          2,
	}))

	for i, ch := range []*fakeChannel{a, b, c3} {
		events := ch.byAction(t, "new_message")
		if len(events) != 1 {
			t.Fatalf("staff %d got %d events, want 1", i, len(events))
		}
		if events[0]["sender_id"] != float64(2) {
			t.Fatalf("staff %d sees sender_id %v, want the student id", i, events[0]["sender_id"])
		}
	}
	if acks := studentCh.byAction(t, "message_sent"); len(acks) != 1 {
		t.Fatalf("student ack missing")
	}

	// staff devices are notified regardless of live state
	calls := env.disp.all()
	if len(calls) != 1 || !calls[0].allStaff {
		t.Fatalf("expected one all-staff push, got %v", calls)
	}
	if calls[0].body != "help please" {
		t.Fatalf("push body = %q", calls[0].body)
	}
}

func TestAdminAsSupportSubstitution(t *testing.T) {
	env := newTestEnv(t)
	conn := env.supportPair(t, chat.RoleStudent, 2)

	staff, staffCh := env.connect(t, chat.RoleStaff, 11)
	_, studentCh := env.connect(t, chat.RoleStudent, 2)

	env.router.HandleFrame(context.Background(), staff, frame(t, map[string]any{
		"action":             "send_message",
		"chat_connection_id": conn.ID,
		"message":            "how can we help?",
		"sender_id":          11,
	}))

	events := studentCh.byAction(t, "new_message")
	if len(events) != 1 {
		t.Fatalf("student got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev["sender_id"] != float64(chat.SupportStaffID) {
		t.Fatalf("student sees sender_id %v, want the support id", ev["sender_id"])
	}
	if ev["actual_sender_staff_id"] != float64(11) {
		t.Fatalf("audit id = %v, want 11", ev["actual_sender_staff_id"])
	}

	acks := staffCh.byAction(t, "message_sent")
	if len(acks) != 1 || acks[0]["actual_sender_staff_id"] != float64(11) {
		t.Fatalf("staff ack missing audit id: %v", staffCh.payloads(t))
	}
	// the sending staff channel must not see its own message event
	if got := staffCh.byAction(t, "new_message"); len(got) != 0 {
		t.Fatalf("sender echoed its own support reply")
	}

	// the stored row carries the substitution and the audit trail
	ctx := context.Background()
	studentUser, err := env.repo.GetUser(ctx, chat.RoleStudent, 2)
	if err != nil {
		t.Fatalf("lookup student: %v", err)
	}
	msgs, _, err := env.repo.ListMessagesPaginated(ctx, conn.ID, 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("list messages: %v (%d rows)", err, len(msgs))
	}
	if msgs[0].ReceiverID != studentUser.ID {
		t.Fatalf("receiver = %d, want student %d", msgs[0].ReceiverID, studentUser.ID)
	}
	if msgs[0].ActualSenderStaffID == nil || *msgs[0].ActualSenderStaffID != 11 {
		t.Fatalf("stored audit id = %v, want 11", msgs[0].ActualSenderStaffID)
	}

	// the student was live, so no fallback push
	if calls := env.disp.all(); len(calls) != 0 {
		t.Fatalf("unexpected push calls: %v", calls)
	}
}

func TestSupportReplyFansOutToViewingStaff(t *testing.T) {
	env := newTestEnv(t)
	conn := env.supportPair(t, chat.RoleStudent, 2)

	sender, senderCh := env.connect(t, chat.RoleStaff, 11)
	viewer, viewerCh := env.connect(t, chat.RoleStaff, 12)
	_, idleCh := env.connect(t, chat.RoleStaff, 13)

	// the viewer opens the thread; the idle agent never does
	env.router.HandleFrame(context.Background(), viewer, frame(t, map[string]any{
		"action":             "get_messages",
		"chat_connection_id": conn.ID,
	}))

	env.router.HandleFrame(context.Background(), sender, frame(t, map[string]any{
		"action":             "send_message",
		"chat_connection_id": conn.ID,
		"message":            "on it",
		"sender_id":          11,
	}))

	events := viewerCh.byAction(t, "new_message")
	if len(events) != 1 {
		t.Fatalf("viewing staff got %d events, want 1", len(events))
	}
	// agents see who really wrote it
	if events[0]["sender_id"] != float64(11) {
		t.Fatalf("viewer sees sender_id %v, want 11", events[0]["sender_id"])
	}
	if got := idleCh.byAction(t, "new_message"); len(got) != 0 {
		t.Fatalf("idle staff must not receive in-thread fan-out")
	}
	if got := senderCh.byAction(t, "new_message"); len(got) != 0 {
		t.Fatalf("sender echoed its own reply")
	}

	// the student is offline, so the reply falls back to push
	calls := env.disp.all()
	if len(calls) != 1 || calls[0].allStaff {
		t.Fatalf("expected one targeted push, got %v", calls)
	}
	if calls[0].role != chat.RoleStudent || calls[0].userID != 2 {
		t.Fatalf("push target = %s %d, want student 2", calls[0].role, calls[0].userID)
	}
}

func TestOfflinePushPreviewTruncated(t *testing.T) {
	env := newTestEnv(t)
	env.router.previewLen = 10
	conn := env.pair(t, chat.RoleStaff, 1, chat.RoleStudent, 2)

	student, _ := env.connect(t, chat.RoleStudent, 2)
	body := strings.Repeat("a", 25)

	env.router.HandleFrame(context.Background(), student, frame(t, map[string]any{
		"action":             "send_message",
		"chat_connection_id": conn.ID,
		"message":            body,
		"sender_id":          2,
	}))

	calls := env.disp.all()
	if len(calls) != 1 {
		t.Fatalf("expected one push for the offline receiver, got %d", len(calls))
	}
	call := calls[0]
	if call.role != chat.RoleStaff || call.userID != 1 {
		t.Fatalf("push target = %s %d, want staff 1", call.role, call.userID)
	}
	if want := strings.Repeat("a", 10) + "..."; call.body != want {
		t.Fatalf("preview = %q, want %q", call.body, want)
	}
	if call.title != "New message" {
		t.Fatalf("title = %q", call.title)
	}
	// the data payload keeps the full body
	if call.data["message"] != body || call.data["chatId"] == "" || call.data["senderId"] != "2" {
		t.Fatalf("unexpected data payload: %v", call.data)
	}
}

func TestSendMessageErrors(t *testing.T) {
	env := newTestEnv(t)
	conn := env.pair(t, chat.RoleStaff, 1, chat.RoleStudent, 2)
	student, ch := env.connect(t, chat.RoleStudent, 2)

	cases := []struct {
		name  string
		frame map[string]any
		want  string
	}{
		{
			name:  "missing fields",
			frame: map[string]any{"action": "send_message", "chat_connection_id": conn.ID},
			want:  "Missing required fields: chat_connection_id, message, sender_id",
		},
		{
			name:  "unknown connection",
			frame: map[string]any{"action": "send_message", "chat_connection_id": 9999, "message": "x", "sender_id": 2},
			want:  "Receiver chat user not found. Invalid chat_connection_id.",
		},
	}

	for _, tc := range cases {
		before := len(ch.payloads(t))
		env.router.HandleFrame(context.Background(), student, frame(t, tc.frame))
		replies := ch.payloads(t)[before:]
		if len(replies) != 1 || replies[0]["action"] != "error" || replies[0]["message"] != tc.want {
			t.Fatalf("%s: got %v, want error %q", tc.name, replies, tc.want)
		}
	}

	// a sender that was never created resolves to an unresolved-party error
	ghost := NewClient(&fakeChannel{}, "127.0.0.1")
	ghostCh := ghost.Channel().(*fakeChannel)
	env.router.HandleFrame(context.Background(), ghost, frame(t, map[string]any{
		"action":             "send_message",
		"chat_connection_id": conn.ID,
		"message":            "x",
		"sender_id":          404,
		"user_type":          "student",
	}))
	errs := ghostCh.byAction(t, "error")
	if len(errs) != 1 || errs[0]["message"] != "Sender chat user not found. Create the chat user first." {
		t.Fatalf("unexpected ghost reply: %v", ghostCh.payloads(t))
	}
}

func TestHistoryPaginationAndUnknownThread(t *testing.T) {
	env := newTestEnv(t)
	conn := env.pair(t, chat.RoleStaff, 1, chat.RoleStudent, 2)
	student, ch := env.connect(t, chat.RoleStudent, 2)

	for i := 0; i < 3; i++ {
		env.router.HandleFrame(context.Background(), student, frame(t, map[string]any{
			"action":             "send_message",
			"chat_connection_id": conn.ID,
			"message":            fmt.Sprintf("msg %d", i),
			"sender_id":          2,
		}))
	}

	env.router.HandleFrame(context.Background(), student, frame(t, map[string]any{
		"action":             "get_messages",
		"chat_connection_id": conn.ID,
		"limit":              2,
	}))
	pages := ch.byAction(t, "messages")
	if len(pages) != 1 {
		t.Fatalf("got %d messages replies, want 1", len(pages))
	}
	page := pages[0]
	rows, ok := page["messages"].([]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("page rows = %v", page["messages"])
	}
	if page["has_more"] != true {
		t.Fatalf("has_more = %v, want true", page["has_more"])
	}
	// newest first
	first := rows[0].(map[string]any)
	if first["message"] != "msg 2" {
		t.Fatalf("first row = %v, want the newest message", first["message"])
	}
	if first["sender_id"] != float64(2) {
		t.Fatalf("history sender_id = %v, want 2", first["sender_id"])
	}

	// an unknown thread replies with an empty page instead of an error
	before := len(ch.payloads(t))
	env.router.HandleFrame(context.Background(), student, frame(t, map[string]any{
		"action":             "get_messages",
		"chat_connection_id": 9999,
	}))
	replies := ch.payloads(t)[before:]
	if len(replies) != 1 || replies[0]["action"] != "messages" || replies[0]["has_more"] != false {
		t.Fatalf("unknown thread reply: %v", replies)
	}
	if rows, ok := replies[0]["messages"].([]any); !ok || len(rows) != 0 {
		t.Fatalf("unknown thread must return an empty page: %v", replies[0]["messages"])
	}
}

func TestMarkMessagesRead(t *testing.T) {
	env := newTestEnv(t)
	conn := env.pair(t, chat.RoleStaff, 1, chat.RoleStudent, 2)

	student, _ := env.connect(t, chat.RoleStudent, 2)
	staff, staffCh := env.connect(t, chat.RoleStaff, 1)

	env.router.HandleFrame(context.Background(), student, frame(t, map[string]any{
		"action":             "send_message",
		"chat_connection_id": conn.ID,
		"message":            "unread",
		"sender_id":          2,
	}))

	env.router.HandleFrame(context.Background(), staff, frame(t, map[string]any{
		"action":             "mark_messages_read",
		"chat_connection_id": conn.ID,
	}))
	acks := staffCh.byAction(t, "messages_marked_read")
	if len(acks) != 1 || acks[0]["chat_connection_id"] != float64(conn.ID) {
		t.Fatalf("mark-read ack missing: %v", staffCh.payloads(t))
	}

	msgs, _, err := env.repo.ListMessagesPaginated(context.Background(), conn.ID, 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("list messages: %v (%d rows)", err, len(msgs))
	}
	if !msgs[0].IsRead {
		t.Fatalf("message still unread after mark_messages_read")
	}

	// an unannounced channel is ignored silently
	ghost := NewClient(&fakeChannel{}, "127.0.0.1")
	ghostCh := ghost.Channel().(*fakeChannel)
	env.router.HandleFrame(context.Background(), ghost, frame(t, map[string]any{
		"action":             "mark_messages_read",
		"chat_connection_id": conn.ID,
	}))
	if len(ghostCh.payloads(t)) != 0 {
		t.Fatalf("expected silence for unannounced mark-read")
	}

	// an announced reader without a chat-user row has nothing addressed to
	// them but still gets the ack
	orphan := NewClient(&fakeChannel{}, "127.0.0.1")
	orphan.setIdentity(chat.RoleStudent, 9999)
	orphanCh := orphan.Channel().(*fakeChannel)
	env.router.HandleFrame(context.Background(), orphan, frame(t, map[string]any{
		"action":             "mark_messages_read",
		"chat_connection_id": conn.ID,
	}))
	orphanAcks := orphanCh.byAction(t, "messages_marked_read")
	if len(orphanAcks) != 1 || orphanAcks[0]["chat_connection_id"] != float64(conn.ID) {
		t.Fatalf("missing ack for reader without chat-user row: %v", orphanCh.payloads(t))
	}
}

func TestReportUser(t *testing.T) {
	env := newTestEnv(t)
	conn := env.pair(t, chat.RoleStaff, 1, chat.RoleStudent, 2)
	student, ch := env.connect(t, chat.RoleStudent, 2)

	env.router.HandleFrame(context.Background(), student, frame(t, map[string]any{
		"action":             "report_user",
		"reported_user_id":   1,
		"reported_user_type": "staff",
		"reason":             "spam",
		"chat_connection_id": conn.ID,
	}))
	acks := ch.byAction(t, "report_submitted")
	if len(acks) != 1 || acks[0]["message"] != "Report submitted successfully" {
		t.Fatalf("report ack missing: %v", ch.payloads(t))
	}

	// an unannounced reporter is rejected
	ghost := NewClient(&fakeChannel{}, "127.0.0.1")
	ghostCh := ghost.Channel().(*fakeChannel)
	env.router.HandleFrame(context.Background(), ghost, frame(t, map[string]any{
		"action":           "report_user",
		"reported_user_id": 1,
	}))
	errs := ghostCh.byAction(t, "error")
	if len(errs) != 1 || errs[0]["message"] != "Missing or invalid report data" {
		t.Fatalf("unexpected ghost reply: %v", ghostCh.payloads(t))
	}
}

func TestCreateChatUser(t *testing.T) {
	env := newTestEnv(t)
	ch := &fakeChannel{}
	c := NewClient(ch, "127.0.0.1")

	env.router.HandleFrame(context.Background(), c, frame(t, map[string]any{
		"action":    "create_chat_user",
		"user_id":   55,
		"user_type": "student",
	}))
	replies := ch.byAction(t, "chat_user_created")
	if len(replies) != 1 || replies[0]["is_new"] != true || replies[0]["status"] != "success" {
		t.Fatalf("unexpected reply: %v", ch.payloads(t))
	}

	env.router.HandleFrame(context.Background(), c, frame(t, map[string]any{
		"action":    "create_chat_user",
		"user_id":   55,
		"user_type": "student",
	}))
	again := ch.byAction(t, "chat_user_created")[1:]
	if len(again) != 1 || again[0]["is_new"] != false {
		t.Fatalf("repeat create must report is_new=false: %v", again)
	}
}

func TestUnknownActionAndBadJSON(t *testing.T) {
	env := newTestEnv(t)
	ch := &fakeChannel{}
	c := NewClient(ch, "127.0.0.1")

	env.router.HandleFrame(context.Background(), c, frame(t, map[string]any{"action": "dance"}))
	errs := ch.byAction(t, "error")
	if len(errs) != 1 || errs[0]["message"] != "Unknown action: dance" {
		t.Fatalf("unexpected reply: %v", ch.payloads(t))
	}

	env.router.HandleFrame(context.Background(), c, []byte("not json"))
	errs = ch.byAction(t, "error")
	if len(errs) != 2 {
		t.Fatalf("expected a second error reply, got %v", ch.payloads(t))
	}
	msg, _ := errs[1]["message"].(string)
	if !strings.HasPrefix(msg, "Invalid JSON format:") {
		t.Fatalf("bad json message = %q", msg)
	}
}

func TestDisconnectCleansPresence(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.connect(t, chat.RoleStaff, 21)

	if env.reg.StaffCount() != 1 {
		t.Fatalf("staff count = %d, want 1", env.reg.StaffCount())
	}
	env.router.Disconnect(c)
	if env.reg.StaffCount() != 0 {
		t.Fatalf("staff count after disconnect = %d, want 0", env.reg.StaffCount())
	}
	if _, ok := env.reg.Lookup(chat.UserKey{Role: chat.RoleStaff, UserID: 21}); ok {
		t.Fatalf("identity still resolvable after disconnect")
	}

	// disconnecting a never-announced client is a no-op
	env.router.Disconnect(NewClient(&fakeChannel{}, "127.0.0.1"))
}
