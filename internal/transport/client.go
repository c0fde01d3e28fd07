// ABOUTME: Hybrid sender: network delivery to the recipient's endpoint, shared-log fallback otherwise
// ABOUTME: Broadcasts go to every live endpoint and are always appended to the log

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/sharedlog"
)

// Default timeouts for the network path.
const (
	DefaultProbeTimeout  = 2 * time.Second
	DefaultSendTimeout   = 5 * time.Second
	DefaultUploadTimeout = 30 * time.Second
)

// Signer signs outbound envelopes.
type Signer interface {
	Sign(msg *envelope.Message) (string, error)
}

// Result reports how a send was delivered.
type Result struct {
	Path      Path
	MessageID string
	// Recipients lists agents reached over the network.
	Recipients []string
}

// ClientConfig wires a Client.
type ClientConfig struct {
	AgentID     string
	Signer      Signer
	Registry    *Registry
	Log         *sharedlog.Log
	Attachments *AttachmentStore

	ProbeTimeout  time.Duration
	SendTimeout   time.Duration
	UploadTimeout time.Duration
	// LiveWindow bounds how old a heartbeat may be for broadcast targets.
	// Zero includes every registered endpoint.
	LiveWindow time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client sends signed messages on behalf of one agent.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client, applying default timeouts.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		logger: logger.With("component", "transport.client", "agent_id", cfg.AgentID),
	}
}

// AgentID returns the sending agent.
func (c *Client) AgentID() string {
	return c.cfg.AgentID
}

// Send signs msg and delivers it. Network failures are not errors: the
// message goes to the shared log and Result.Path is PathFile. An error means
// the message could not be signed or recorded at all, or the recipient
// rejected its signature.
func (c *Client) Send(ctx context.Context, msg *envelope.Message, files ...Attachment) (*Result, error) {
	if msg.From == "" {
		msg.From = c.cfg.AgentID
	}
	if msg.From != c.cfg.AgentID {
		return nil, fmt.Errorf("%w: client for %s cannot send as %s", envelope.ErrMalformed, c.cfg.AgentID, msg.From)
	}

	msg.Attachments = nil
	names := make(map[string]bool, len(files))
	for _, f := range files {
		ref, err := Describe(msg.ID, f)
		if err != nil {
			return nil, err
		}
		// Parts and staged files are keyed by name.
		if names[ref.Name] {
			return nil, fmt.Errorf("%w: duplicate attachment name %q", envelope.ErrMalformed, ref.Name)
		}
		names[ref.Name] = true
		msg.Attachments = append(msg.Attachments, ref)
	}
	if _, err := c.cfg.Signer.Sign(msg); err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}

	if msg.To == envelope.Broadcast {
		return c.broadcast(ctx, msg, files)
	}

	err := c.deliver(ctx, msg, files)
	if err == nil {
		return &Result{Path: PathNetwork, MessageID: msg.ID, Recipients: []string{msg.To}}, nil
	}
	if errors.Is(err, ErrRejected) {
		return nil, err
	}
	c.logger.Info("network delivery failed, falling back to shared log",
		"message_id", msg.ID, "to", msg.To, "reason", err)

	if err := c.appendToLog(msg, files); err != nil {
		return nil, err
	}
	return &Result{Path: PathFile, MessageID: msg.ID}, nil
}

func (c *Client) broadcast(ctx context.Context, msg *envelope.Message, files []Attachment) (*Result, error) {
	// The log copy reaches agents that are offline now.
	if err := c.appendToLog(msg, files); err != nil {
		return nil, err
	}

	live, err := c.cfg.Registry.Live(c.cfg.LiveWindow)
	if err != nil {
		c.logger.Warn("reading registry for broadcast", "error", err)
		return &Result{Path: PathFile, MessageID: msg.ID}, nil
	}

	res := &Result{Path: PathFile, MessageID: msg.ID}
	for _, rec := range live {
		if rec.AgentID == c.cfg.AgentID {
			continue
		}
		if err := c.deliverTo(ctx, rec, msg, files); err != nil {
			c.logger.Debug("broadcast network delivery failed", "to", rec.AgentID, "error", err)
			continue
		}
		res.Recipients = append(res.Recipients, rec.AgentID)
	}
	return res, nil
}

func (c *Client) deliver(ctx context.Context, msg *envelope.Message, files []Attachment) error {
	rec, err := c.cfg.Registry.Lookup(msg.To)
	if err != nil {
		return err
	}
	return c.deliverTo(ctx, *rec, msg, files)
}

func (c *Client) deliverTo(ctx context.Context, rec EndpointRecord, msg *envelope.Message, files []Attachment) error {
	if _, err := c.Probe(ctx, rec); err != nil {
		return err
	}
	switch {
	case len(files) > 0:
		return c.postMultipart(ctx, rec.URL, msg, files)
	case msg.Type == envelope.TypeTask:
		return c.postJSON(ctx, rec.URL+"/task", msg)
	default:
		return c.postJSON(ctx, rec.URL+"/message", msg)
	}
}

// Probe checks that rec's endpoint is up and belongs to rec.AgentID.
func (c *Client) Probe(ctx context.Context, rec EndpointRecord) (*Status, error) {
	st, err := c.Status(ctx, rec.URL)
	if err != nil {
		return nil, err
	}
	if st.AgentID != rec.AgentID {
		return nil, fmt.Errorf("endpoint %s belongs to %s, not %s", rec.URL, st.AgentID, rec.AgentID)
	}
	return st, nil
}

// Status fetches GET /status from an endpoint URL.
func (c *Client) Status(ctx context.Context, url string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("building probe request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probing %s: status %d", url, resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}

func (c *Client) postJSON(ctx context.Context, url string, msg *envelope.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) postMultipart(ctx context.Context, baseURL string, msg *envelope.Message, files []Attachment) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, msg, files))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/message-multi", pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = c.do(req)
	pr.Close()
	return err
}

func writeMultipart(mw *multipart.Writer, msg *envelope.Message, files []Attachment) error {
	env, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := mw.WriteField("envelope", string(env)); err != nil {
		return fmt.Errorf("writing envelope field: %w", err)
	}

	for i, f := range files {
		ref := msg.Attachments[i]
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, ref.Name))
		h.Set("Content-Type", ref.MimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return fmt.Errorf("creating part %s: %w", ref.Name, err)
		}
		if err := copyFile(part, f.Path); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyFile(w io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening attachment: %w", err)
	}
	defer src.Close()
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w by %s: %s", ErrRejected, req.URL.Host, body.Error)
	}
	return fmt.Errorf("sending to %s: status %d: %s", req.URL.Host, resp.StatusCode, body.Error)
}

func (c *Client) appendToLog(msg *envelope.Message, files []Attachment) error {
	for i, f := range files {
		if _, err := c.cfg.Attachments.Put(msg.ID, msg.Attachments[i], f.Path); err != nil {
			return fmt.Errorf("staging attachment %s: %w", f.Path, err)
		}
	}
	if _, err := c.cfg.Log.Append(sharedlog.StreamMessages, msg); err != nil {
		return fmt.Errorf("appending message to shared log: %w", err)
	}
	return nil
}
