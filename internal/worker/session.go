package worker

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teemoapi/teemo/internal/amf"
	"github.com/teemoapi/teemo/internal/config"
	"github.com/teemoapi/teemo/internal/protocol"
)

const (
	heartbeatInterval = 2 * time.Minute
	probeInterval     = time.Minute
	probeFailureLimit = 3
	probeSummoner     = "Honux"

	loginInvokeID = 2
)

var errNotConnected = errors.New("session not connected")

// WrongVersionError reports a login rejected for a stale client version,
// carrying the version string the server expects instead.
type WrongVersionError struct {
	Version string
}

func (e *WrongVersionError) Error() string {
	return fmt.Sprintf("client version rejected, server wants %s", e.Version)
}

// Result is one decoded upstream reply correlated back to a dispatcher task.
type Result struct {
	TaskID uint32
	JSON   string
}

// Session is one logged-in upstream connection. It owns the TLS socket, the
// invocation counter and the UID-to-task correlation map; replies stream out
// on the Results channel.
type Session struct {
	cfg      *config.Worker
	username string
	password string

	conn    net.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	invokeUID    uint32
	headers      *amf.TypedObject
	pending      map[uint32]uint32
	sessionToken string
	accountID    int32
	connected    bool
	err          error
	probeID      uint32
	probePending bool
	probeOK      bool

	results chan Result
	done    chan struct{}
	log     zerolog.Logger
}

// Dial opens the upstream TLS connection, completes the handshake and sends
// the connect invocation. Login proceeds asynchronously; use WaitConnected
// to observe the outcome.
func Dial(cfg *config.Worker, username, password string, log zerolog.Logger) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.GameServerAddress, cfg.GameServerPort)
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return nil, fmt.Errorf("upstream dial: %w", err)
	}
	if err := handshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream handshake: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		username:  username,
		password:  password,
		conn:      conn,
		invokeUID: loginInvokeID,
		pending:   make(map[uint32]uint32),
		results:   make(chan Result, 32),
		done:      make(chan struct{}),
		log:       log.With().Str("account", username).Logger(),
	}

	if err := s.sendConnect(); err != nil {
		conn.Close()
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

// Results delivers decoded replies for tracked tasks. The channel closes when
// the session dies.
func (s *Session) Results() <-chan Result { return s.results }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Err reports the first fatal session error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitConnected blocks until login finishes one way or the other.
func (s *Session) WaitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		connected, err := s.connected, s.err
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if connected {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("upstream login timed out")
}

func (s *Session) Close() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.conn.Close()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.connected = false
	s.mu.Unlock()
}

func (s *Session) send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(data)
	return err
}

// --- outbound invocations ---

func randomUID() string {
	return strings.ToUpper(uuid.NewString())
}

func randomMAC() string {
	const hex = "0123456789ABCDEF"
	b := make([]byte, 17)
	for i := range b {
		if i%3 == 2 {
			b[i] = ':'
		} else {
			b[i] = hex[rand.Intn(16)]
		}
	}
	return string(b)
}

// sendConnect issues the AMF0 connect command that opens the RTMP-level
// session. Its reply carries the DSId used on every later invocation.
func (s *Session) sendConnect() error {
	enc := amf.NewEncoder()
	enc.WriteAMF0String("connect")
	enc.WriteAMF0Number(1)
	enc.WriteAMF0AMF3Marker()
	enc.WriteAMF3(amf.AssocArray{
		{Key: "app", Value: amf.String("")},
		{Key: "flashVer", Value: amf.String("WIN 10,1,85,3")},
		{Key: "swfUrl", Value: amf.String("app:/mod_ser.dat")},
		{Key: "tcUrl", Value: amf.String(fmt.Sprintf("rtmps://%s:%d", s.cfg.GameServerAddress, s.cfg.GameServerPort))},
		{Key: "fpad", Value: amf.Bool(false)},
		{Key: "capabilities", Value: amf.Int(239)},
		{Key: "audioCodecs", Value: amf.Int(3191)},
		{Key: "videoCodecs", Value: amf.Int(252)},
		{Key: "videoFunction", Value: amf.Int(1)},
		{Key: "pageUrl", Value: amf.Null{}},
		{Key: "objectEncoding", Value: amf.Int(3)},
	})
	enc.WriteAMF0Bool(false)
	enc.WriteAMF0String("nil")
	enc.WriteAMF0String("")

	cmd := amf.NewTypedObject("flex.messaging.messages.CommandMessage")
	cmd.Set("messageRefType", amf.Null{})
	cmd.Set("operation", amf.Int(5))
	cmd.Set("correlationId", amf.String(""))
	cmd.Set("clientId", amf.Null{})
	cmd.Set("destination", amf.String(""))
	cmd.Set("messageId", amf.String(randomUID()))
	cmd.Set("timestamp", amf.Int(0))
	cmd.Set("timeToLive", amf.Int(0))
	cmd.Set("body", amf.NewTypedObject(""))
	cmd.Set("headers", amf.AssocArray{
		{Key: "DSMessagingVersion", Value: amf.Int(1)},
		{Key: "DSId", Value: amf.String("my-rtmps")},
	})
	enc.WriteAMF0AMF3Marker()
	enc.WriteAMF3(cmd)

	return s.send(amf.Frame(enc.Bytes(), 0x14, 0))
}

// remotingMessage wraps an invocation body in the flex RemotingMessage
// envelope with the session's DSId headers.
func (s *Session) remotingMessage(dest, op string, body amf.Value) *amf.TypedObject {
	s.mu.Lock()
	headers := s.headers
	s.mu.Unlock()

	msg := amf.NewTypedObject("flex.messaging.messages.RemotingMessage")
	msg.Set("destination", amf.String(dest))
	msg.Set("operation", amf.String(op))
	msg.Set("source", amf.Null{})
	msg.Set("timestamp", amf.Int(0))
	msg.Set("messageId", amf.String(randomUID()))
	msg.Set("timeToLive", amf.Int(0))
	msg.Set("clientId", amf.Null{})
	msg.Set("headers", headers)
	msg.Set("body", body)
	return msg
}

// invoke assigns the next UID, frames the message as a 0x11 invocation and
// writes it. When taskID tracking is wanted the entry is registered before
// the bytes hit the wire so a fast reply cannot miss it.
func (s *Session) invoke(msg *amf.TypedObject, track bool, taskID uint32) (uint32, error) {
	s.mu.Lock()
	uid := s.invokeUID
	s.invokeUID++
	if track {
		s.pending[uid] = taskID
	}
	s.mu.Unlock()

	enc := amf.NewEncoder()
	enc.WriteByte(0x00)
	enc.WriteByte(0x05)
	enc.WriteAMF0Number(float64(uid))
	enc.WriteByte(0x05)
	enc.WriteAMF0AMF3Marker()
	enc.WriteAMF3(msg)

	if err := s.send(amf.Frame(enc.Bytes(), 0x11, 0)); err != nil {
		if track {
			s.mu.Lock()
			delete(s.pending, uid)
			s.mu.Unlock()
		}
		return 0, err
	}
	return uid, nil
}

// RequestString issues dest.op(payload) and correlates the reply to taskID.
func (s *Session) RequestString(dest, op, payload string, taskID uint32) error {
	if !s.Connected() {
		return errNotConnected
	}
	msg := s.remotingMessage(dest, op, amf.Array{amf.String(payload)})
	_, err := s.invoke(msg, true, taskID)
	return err
}

// RequestNumber issues dest.op(n).
func (s *Session) RequestNumber(dest, op string, n uint32, taskID uint32) error {
	if !s.Connected() {
		return errNotConnected
	}
	msg := s.remotingMessage(dest, op, amf.Array{amf.Int(n)})
	_, err := s.invoke(msg, true, taskID)
	return err
}

// RequestList issues dest.op([]) with the ids nested as a single array
// argument.
func (s *Session) RequestList(dest, op string, ids []uint32, taskID uint32) error {
	if !s.Connected() {
		return errNotConnected
	}
	inner := make(amf.Array, len(ids))
	for i, id := range ids {
		inner[i] = amf.Int(id)
	}
	msg := s.remotingMessage(dest, op, amf.Array{inner})
	_, err := s.invoke(msg, true, taskID)
	return err
}

// RequestGeneric issues dest.op(args...) with mixed numeric and string
// arguments.
func (s *Session) RequestGeneric(dest, op string, args []protocol.GenericArg, taskID uint32) error {
	if !s.Connected() {
		return errNotConnected
	}
	body := make(amf.Array, len(args))
	for i, arg := range args {
		if arg.Kind == protocol.KindString {
			body[i] = amf.String(arg.Str)
		} else {
			body[i] = amf.Int(arg.Number)
		}
	}
	msg := s.remotingMessage(dest, op, body)
	_, err := s.invoke(msg, true, taskID)
	return err
}

// --- login state machine ---

// setDSID stores the session id from the connect reply and rebuilds the
// default invocation headers around it.
func (s *Session) setDSID(dsid string) {
	headers := amf.NewTypedObject("")
	headers.Set("DSRequestTimeout", amf.Int(60))
	headers.Set("DSId", amf.String(dsid))
	headers.Set("DSEndpoint", amf.String("my-rtmps"))

	s.mu.Lock()
	s.headers = headers
	s.mu.Unlock()
}

// login runs the queue authentication and sends the login invocation, which
// always lands on UID 2.
func (s *Session) login() error {
	auth := newAuthClient(s.cfg.LoginServerAddress, s.log)
	token, err := auth.Token(s.username, s.password)
	if err != nil {
		return err
	}

	locale := s.cfg.Locale
	if locale == "" {
		locale = "en_US"
	}

	creds := amf.NewTypedObject("com.riotgames.platform.login.AuthenticationCredentials")
	creds.Set("username", amf.String(s.username))
	creds.Set("password", amf.String(s.password))
	creds.Set("authToken", amf.String(token))
	creds.Set("clientVersion", amf.String(s.cfg.LeagueVersion))
	creds.Set("locale", amf.String(locale))
	creds.Set("domain", amf.String("lolclient.lol.riotgames.com"))
	creds.Set("macAddress", amf.String(randomMAC()))
	creds.Set("operatingSystem", amf.String("TEEMO_API"))
	creds.Set("securityAnswer", amf.Null{})
	creds.Set("partnerCredentials", amf.Null{})
	creds.Set("oldPassword", amf.Null{})

	msg := s.remotingMessage("loginService", "login", amf.Array{creds})
	_, err = s.invoke(msg, false, 0)
	return err
}

type loginReply struct {
	Result string `json:"result"`
	Data   struct {
		FaultString string `json:"faultString"`
		RootCause   struct {
			ErrorCode             string   `json:"errorCode"`
			Message               string   `json:"message"`
			SubstitutionArguments []string `json:"substitutionArguments"`
		} `json:"rootCause"`
		Body struct {
			Token          string `json:"token"`
			AccountSummary struct {
				AccountID float64 `json:"accountId"`
			} `json:"accountSummary"`
		} `json:"body"`
	} `json:"data"`
}

// finishLogin consumes the UID-2 reply: on success it stores the session
// token, sends the auth follow-up and the messaging registration, and marks
// the session connected.
func (s *Session) finishLogin(jsonData string) error {
	var reply loginReply
	if err := json.Unmarshal([]byte(jsonData), &reply); err != nil {
		return fmt.Errorf("login reply: %w", err)
	}
	if reply.Result == "_error" {
		rc := reply.Data.RootCause
		if rc.ErrorCode == "LOGIN-0001" && len(rc.SubstitutionArguments) > 1 {
			return &WrongVersionError{Version: rc.SubstitutionArguments[1]}
		}
		if rc.Message != "" {
			return fmt.Errorf("login rejected: %s", rc.Message)
		}
		if reply.Data.FaultString != "" {
			return fmt.Errorf("login rejected: %s", reply.Data.FaultString)
		}
		return errors.New("login rejected")
	}

	token := reply.Data.Body.Token
	accountID := int32(reply.Data.Body.AccountSummary.AccountID)
	s.mu.Lock()
	s.sessionToken = token
	s.accountID = accountID
	s.mu.Unlock()

	// Auth follow-up: base64(username:sessionToken) on the auth channel.
	encoded := base64.StdEncoding.EncodeToString([]byte(s.username + ":" + token))
	authMsg := s.remotingMessage("auth", "8", amf.String(encoded))
	authMsg.Type = "flex.messaging.messages.CommandMessage"
	if _, err := s.invoke(authMsg, false, 0); err != nil {
		return err
	}

	// Register with the messaging destination.
	reg := s.remotingMessage("messagingDestination", "0", amf.Array{amf.NewTypedObject("")})
	reg.Type = "flex.messaging.messages.CommandMessage"
	if _, err := s.invoke(reg, false, 0); err != nil {
		return err
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.log.Info().Int32("accountId", accountID).Msg("Upstream session established")

	go s.heartbeatLoop()
	return nil
}

// --- keep-alive ---

const heartbeatTimeLayout = "Mon Jan 2 2006 15:4:5"

func (s *Session) sendHeartbeat(beat int) error {
	s.mu.Lock()
	accountID, token := s.accountID, s.sessionToken
	s.mu.Unlock()

	timeString := time.Now().UTC().Format(heartbeatTimeLayout) + " GMT-0300"
	body := amf.Array{
		amf.Int(accountID),
		amf.String(token),
		amf.Int(beat),
		amf.String(timeString),
	}
	msg := s.remotingMessage("loginService", "performLCDSHeartBeat", body)
	_, err := s.invoke(msg, false, 0)
	return err
}

func (s *Session) heartbeatLoop() {
	beat := 1
	for {
		if s.Connected() {
			if err := s.sendHeartbeat(beat); err != nil {
				s.log.Warn().Err(err).Msg("Heartbeat send failed")
			} else {
				beat++
			}
		}
		select {
		case <-s.done:
			return
		case <-time.After(heartbeatInterval):
		}
	}
}

// sendProbe issues the synthetic summoner lookup the supervisor watches for.
func (s *Session) sendProbe() error {
	msg := s.remotingMessage("summonerService", "getSummonerByName", amf.Array{amf.String(probeSummoner)})
	uid, err := s.invoke(msg, false, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.probeID = uid
	s.probePending = true
	s.probeOK = false
	s.mu.Unlock()
	return nil
}

// consumeProbe reports whether the previous probe round-tripped. With no
// probe outstanding it counts as healthy.
func (s *Session) consumeProbe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.probePending {
		return true
	}
	s.probePending = false
	return s.probeOK
}

// RunSupervisor probes the session once a minute and returns when it looks
// dead: the session dropped, or three consecutive probes went unanswered.
func (s *Session) RunSupervisor() error {
	failures := 0
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return nil
		case <-ticker.C:
		}

		if !s.Connected() {
			if err := s.Err(); err != nil {
				return err
			}
			return errNotConnected
		}
		if s.consumeProbe() {
			failures = 0
		} else {
			failures++
			s.log.Warn().Int("failures", failures).Msg("Supervisor probe unanswered")
			if failures >= probeFailureLimit {
				return fmt.Errorf("%d consecutive probe failures", failures)
			}
		}
		if err := s.sendProbe(); err != nil {
			return fmt.Errorf("probe send: %w", err)
		}
	}
}

// --- inbound ---

// readLoop decodes every upstream message, drives the login state machine
// and correlates invocation replies back to tasks.
func (s *Session) readLoop() {
	defer close(s.results)

	fr := newFrameReader(bufio.NewReaderSize(s.conn, 64*1024))
	for {
		f, err := fr.Next()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(fmt.Errorf("upstream read: %w", err))
			}
			return
		}

		switch f.Type {
		case 0x14:
			if err := s.handleConnectReply(f.Body); err != nil {
				s.setErr(err)
				return
			}
		case 0x11:
			if err := s.handleInvokeReply(f.Body); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

// handleConnectReply decodes the AMF0 connect response, extracts the DSId
// and kicks off login.
func (s *Session) handleConnectReply(body []byte) error {
	d := amf.NewDecoder(body)
	var b strings.Builder
	b.WriteString(`{"result":`)
	if err := d.Decode(&b); err != nil {
		return fmt.Errorf("connect reply: %w", err)
	}
	b.WriteString(`,"invokeId":`)
	if err := d.Decode(&b); err != nil {
		return fmt.Errorf("connect reply: %w", err)
	}
	b.WriteString(`,"serviceCall":`)
	if err := d.Decode(&b); err != nil {
		return fmt.Errorf("connect reply: %w", err)
	}
	b.WriteString(`,"data":`)
	if err := d.Decode(&b); err != nil {
		return fmt.Errorf("connect reply: %w", err)
	}
	b.WriteString("}")

	var reply struct {
		Result string `json:"result"`
		Data   struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(b.String()), &reply); err != nil {
		return fmt.Errorf("connect reply: %w", err)
	}
	if reply.Result == "_error" || reply.Data.ID == "" {
		return errors.New("connect rejected")
	}

	s.setDSID(reply.Data.ID)
	return s.login()
}

// handleInvokeReply decodes a 0x11 message into the canonical reply JSON and
// routes it: UID 2 is the login reply, tracked UIDs feed the result channel,
// the probe UID feeds the supervisor.
func (s *Session) handleInvokeReply(body []byte) error {
	if len(body) > 0 && body[0] == 0x00 {
		body = body[1:]
	}
	d := amf.NewDecoder(body)

	var b strings.Builder
	b.WriteString(`{"result":`)
	if err := d.Decode(&b); err != nil {
		return fmt.Errorf("invoke reply: %w", err)
	}
	b.WriteString(`,"code":200`)

	var uidStr strings.Builder
	if err := d.Decode(&uidStr); err != nil {
		return fmt.Errorf("invoke reply: %w", err)
	}
	invokeID, err := strconv.ParseUint(uidStr.String(), 10, 32)
	if err != nil {
		return fmt.Errorf("invoke reply uid %q: %w", uidStr.String(), err)
	}
	var discard strings.Builder
	if err := d.Decode(&discard); err != nil {
		return fmt.Errorf("invoke reply: %w", err)
	}

	b.WriteString(`,"data":`)
	if err := d.Decode(&b); err != nil {
		return fmt.Errorf("invoke reply: %w", err)
	}
	b.WriteString("}")
	jsonData := b.String()

	if invokeID == loginInvokeID {
		return s.finishLogin(jsonData)
	}

	s.mu.Lock()
	taskID, tracked := s.pending[uint32(invokeID)]
	if tracked {
		delete(s.pending, uint32(invokeID))
	}
	probe := s.probePending && s.probeID == uint32(invokeID)
	s.mu.Unlock()

	switch {
	case tracked:
		select {
		case s.results <- Result{TaskID: taskID, JSON: jsonData}:
		case <-s.done:
		}
	case probe:
		if strings.Contains(jsonData, probeSummoner) {
			s.mu.Lock()
			s.probeOK = true
			s.mu.Unlock()
		}
	}
	return nil
}
