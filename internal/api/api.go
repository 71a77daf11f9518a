// Package api implements the RPC façade: a single Command call that prefers
// a connected push-channel socket and falls back to a plain HTTP POST,
// exactly as the original agent's uplink favored its websocket connection
// but could always fall back to talking HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botqio/hostagent/internal/config"
	"github.com/botqio/hostagent/internal/model"
)

// APIError is a server-issued domain error: {"code": ..., "message": ...}.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("api error %d: %s", e.Code, e.Message) }

// ErrTransport wraps HTTP/socket-layer failures; callers log and drop.
var ErrTransport = fmt.Errorf("api: transport failure")

// ErrAuth is returned when the bearer token was rejected even after one
// refresh attempt; callers should treat the call as fatal.
var ErrAuth = fmt.Errorf("api: authentication failed")

// Socket is the push-channel transport a Façade prefers when connected.
// No type in this module implements it; until a caller installs one with
// SetSocket, every Command goes over HTTP.
type Socket interface {
	Connected() bool
	Send(ctx context.Context, envelope []byte) ([]byte, error)
}

type envelopeResponse struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
}

// Façade is the agent's only way of talking to the coordination service.
type Façade struct {
	serverHTTPAddr string
	httpClient     *http.Client

	mu     sync.RWMutex
	socket Socket
	token  string
}

func New(serverHTTPAddr string) *Façade {
	return &Façade{
		serverHTTPAddr: serverHTTPAddr,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
	}
}

// SetSocket installs (or clears, with nil) the push-channel socket used
// preferentially for Command calls.
func (f *Façade) SetSocket(s Socket) {
	f.mu.Lock()
	f.socket = s
	f.mu.Unlock()
}

func (f *Façade) setToken(tok string) {
	f.mu.Lock()
	f.token = tok
	f.mu.Unlock()
}

func (f *Façade) getToken() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token
}

// Command is the sole RPC primitive: every named command is a thin wrapper
// around it.
func (f *Façade) Command(ctx context.Context, name string, data interface{}) (json.RawMessage, error) {
	resp, err := f.command(ctx, name, data)
	if err != nil && isAuthFailure(err) {
		if refreshErr := f.RefreshAccessToken(ctx); refreshErr == nil {
			resp, err = f.command(ctx, name, data)
		}
	}
	return resp, err
}

func (f *Façade) command(ctx context.Context, name string, data interface{}) (json.RawMessage, error) {
	reqID := uuid.New().String()
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrTransport, err)
	}
	envelope, err := json.Marshal(map[string]interface{}{
		"command": name,
		"data":    json.RawMessage(payload),
		"id":      reqID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal envelope: %v", ErrTransport, err)
	}

	f.mu.RLock()
	sock := f.socket
	f.mu.RUnlock()

	var raw []byte
	if sock != nil && sock.Connected() {
		raw, err = sock.Send(ctx, envelope)
	} else {
		raw, err = f.postHTTP(ctx, envelope)
	}
	if err != nil {
		if err == ErrAuth {
			return nil, ErrAuth
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var resp envelopeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if resp.OK {
		return resp.Data, nil
	}
	if resp.Code == http.StatusUnauthorized {
		return nil, ErrAuth
	}
	return nil, &APIError{Code: resp.Code, Message: resp.Message}
}

func isAuthFailure(err error) bool {
	return err == ErrAuth
}

func (f *Façade) postHTTP(ctx context.Context, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(f.serverHTTPAddr, "/")+"/host", bytes.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := f.getToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuth
	}
	return buf.Bytes(), nil
}

// --- Core command wrappers -------------------------------------------------

func (f *Façade) Info(ctx context.Context) (json.RawMessage, error) {
	return f.Command(ctx, "Info", nil)
}

func (f *Façade) GetBots(ctx context.Context) ([]*model.Bot, error) {
	raw, err := f.Command(ctx, "GetBots", nil)
	if err != nil {
		return nil, err
	}
	var wrapped []struct {
		Data botJSON `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: decode GetBots: %v", ErrTransport, err)
	}
	bots := make([]*model.Bot, 0, len(wrapped))
	for _, w := range wrapped {
		bots = append(bots, w.Data.toModel())
	}
	return bots, nil
}

func (f *Façade) GetAJob(ctx context.Context, botID string) error {
	_, err := f.Command(ctx, "GetAJob", map[string]string{"bot": botID})
	return err
}

func (f *Façade) StartJob(ctx context.Context, jobID string) (*model.Job, error) {
	raw, err := f.Command(ctx, "StartJob", map[string]string{"id": jobID})
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

// codeProgressCannotDecrease is the domain-error code the server uses when
// an UpdateJobProgress call would move a job's progress backwards.
const codeProgressCannotDecrease = 409

func (f *Façade) UpdateJobProgress(ctx context.Context, jobID string, progress float64) error {
	_, err := f.Command(ctx, "UpdateJobProgress", map[string]interface{}{"id": jobID, "progress": progress})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeProgressCannotDecrease {
		return model.ErrProgressCannotDecrease
	}
	return err
}

func (f *Façade) FinishJob(ctx context.Context, jobID string) (*model.Job, error) {
	raw, err := f.Command(ctx, "FinishJob", map[string]string{"id": jobID})
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

func (f *Façade) BotError(ctx context.Context, botID, message string) error {
	_, err := f.Command(ctx, "BotError", map[string]string{"id": botID, "error": message})
	return err
}

// --- Auth flow (treated as external, thin wrappers only) -------------------

func (f *Façade) CreateHostRequest(ctx context.Context, pairingToken string) (json.RawMessage, error) {
	return f.Command(ctx, "CreateHostRequest", map[string]string{"cookie": pairingToken})
}

func (f *Façade) GetHostRequest(ctx context.Context, requestID string) (json.RawMessage, error) {
	return f.Command(ctx, "GetHostRequest", map[string]string{"id": requestID})
}

func (f *Façade) ConvertRequestToHost(ctx context.Context, requestID string) (json.RawMessage, error) {
	return f.Command(ctx, "ConvertRequestToHost", map[string]string{"id": requestID})
}

func (f *Façade) RefreshAccessToken(ctx context.Context) error {
	deviceCredential, err := config.ReadDeviceCredential()
	if err != nil {
		return err
	}
	raw, err := f.command(ctx, "RefreshAccessToken", map[string]string{"cookie": deviceCredential})
	if err != nil {
		return err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	f.setToken(out.Token)
	return nil
}

// --- Terminal output / job notifications (logging.Sink) --------------------

func (f *Façade) NotifyTerminalOutput(text string) {
	if _, err := f.Command(context.Background(), "NotifyTerminalOutput", map[string]string{"text": text}); err != nil {
		// Logging is best-effort and must never recurse into the logger.
		log.Printf("api: NotifyTerminalOutput: %v", err)
	}
}

func decodeJob(raw json.RawMessage) (*model.Job, error) {
	var jj JobWire
	if err := json.Unmarshal(raw, &jj); err != nil {
		return nil, fmt.Errorf("%w: decode job: %v", ErrTransport, err)
	}
	return jj.ToModel(), nil
}
