// Package approval mints and resolves human approval decisions for gated
// pipeline stages, through two independent channels: a dropped decision
// file and an HMAC-signed URL token, bridged to the state store. Either
// channel alone is sufficient to decide a stage; whichever arrives first
// wins.
package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loppo-llc/sentryd/internal/store"
)

// Decision is the outcome of reading an approval drop file.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionApprove
	DecisionReject
)

// Request is a transient, per-tick approval request.
type Request struct {
	Host       string
	PaneID     string
	Stage      string
	FilePath   string
	Token      string
	ApproveURL string
	RejectURL  string
}

// Manager issues approval file paths, polls their decisions, and mints and
// resolves HMAC-signed tokens.
type Manager struct {
	store    *store.Store
	dir      string
	secret   string
	baseURL  string
	tokenTTL time.Duration
}

// Config configures a Manager.
type Config struct {
	Dir      string
	Secret   string // empty disables token issuance
	BaseURL  string // empty disables approve/reject URL construction
	TokenTTL time.Duration
}

// New constructs a Manager, creating Dir if necessary.
func New(st *store.Store, cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create approval dir: %w", err)
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		store:    st,
		dir:      cfg.Dir,
		secret:   cfg.Secret,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		tokenTTL: ttl,
	}, nil
}

var unsafeReplacer = strings.NewReplacer("%", "pct", "/", "_", ":", "_")

// ApprovalFile derives a deterministic filesystem path for (host, pane,
// stage), substituting filesystem-unsafe characters.
func (m *Manager) ApprovalFile(host, paneID, stage string) string {
	name := fmt.Sprintf("%s__%s__%s.txt", unsafeReplacer.Replace(host), unsafeReplacer.Replace(paneID), unsafeReplacer.Replace(stage))
	return filepath.Join(m.dir, name)
}

// PollFileDecision reads and consumes any pending decision for the key.
// The file is always deleted after being read, approved or not, so a
// stale decision can never be replayed on a later tick.
func (m *Manager) PollFileDecision(host, paneID, stage string) Decision {
	path := m.ApprovalFile(host, paneID, stage)
	data, err := os.ReadFile(path)
	if err != nil {
		return DecisionNone
	}
	_ = os.Remove(path)

	token := strings.ToLower(strings.TrimSpace(string(data)))
	if fields := strings.Fields(token); len(fields) > 0 {
		token = fields[0]
	}
	switch token {
	case "approve", "approved", "yes":
		return DecisionApprove
	case "reject", "rejected", "no":
		return DecisionReject
	default:
		return DecisionNone
	}
}

// EnsureRequest mints (or reuses) a token for the key when a secret is
// configured, and constructs approve/reject URLs when a base URL is also
// configured. With no secret configured, any existing token for the key is
// purged and no URLs are generated.
func (m *Manager) EnsureRequest(host, paneID, stage string) (Request, error) {
	req := Request{Host: host, PaneID: paneID, Stage: stage, FilePath: m.ApprovalFile(host, paneID, stage)}

	if m.secret == "" {
		if err := m.store.DeleteApprovalToken(host, paneID, stage); err != nil {
			return req, err
		}
		return req, nil
	}

	existing, err := m.store.GetApprovalToken(host, paneID, stage)
	if err != nil {
		return req, err
	}

	var tok store.ApprovalToken
	if existing != nil {
		tok = *existing
	} else {
		expiresAt := time.Now().Add(m.tokenTTL).Unix()
		value, err := m.mintToken(host, paneID, stage, expiresAt)
		if err != nil {
			return req, err
		}
		tok = store.ApprovalToken{Host: host, PaneID: paneID, Stage: stage, Token: value, ExpiresAt: expiresAt}
		if err := m.store.UpsertApprovalToken(tok); err != nil {
			return req, err
		}
	}

	req.Token = tok.Token
	if m.baseURL != "" {
		req.ApproveURL = fmt.Sprintf("%s/a/%s/approve", m.baseURL, tok.Token)
		req.RejectURL = fmt.Sprintf("%s/a/%s/reject", m.baseURL, tok.Token)
	}
	return req, nil
}

// ResolveToken verifies and consumes a token, returning the (host, pane,
// stage) it encodes. Tokens are single-use: a successful resolution
// deletes the stored row.
func (m *Manager) ResolveToken(token string) (host, paneID, stage string, err error) {
	if m.secret == "" {
		return "", "", "", errors.New("approval: no secret configured")
	}

	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", "", errors.New("approval: malformed token")
	}
	payload, err := decodeSegment(payloadB64)
	if err != nil {
		return "", "", "", fmt.Errorf("approval: malformed token payload: %w", err)
	}
	sig, err := decodeSegment(sigB64)
	if err != nil {
		return "", "", "", fmt.Errorf("approval: malformed token signature: %w", err)
	}

	expectedSig := m.sign(payload)
	if !hmac.Equal(sig, expectedSig) {
		return "", "", "", errors.New("approval: invalid signature")
	}

	h, p, s, expiresAt, err := parsePayload(string(payload))
	if err != nil {
		return "", "", "", err
	}
	if time.Now().Unix() > expiresAt {
		return "", "", "", errors.New("approval: token expired")
	}

	if err := m.store.DeleteApprovalTokenByValue(token); err != nil {
		return "", "", "", err
	}
	return h, p, s, nil
}

func (m *Manager) mintToken(host, paneID, stage string, expiresAt int64) (string, error) {
	payload := fmt.Sprintf("%s|%s|%s|%d", host, paneID, stage, expiresAt)
	sig := m.sign([]byte(payload))
	return encodeSegment([]byte(payload)) + "." + encodeSegment(sig), nil
}

func (m *Manager) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// parsePayload splits "<host>|<pane_id>|<stage>|<expires_at>" by parsing
// from the right: expires_at, stage and pane_id are each taken after the
// last remaining "|", so only host may itself contain "|".
func parsePayload(payload string) (host, paneID, stage string, expiresAt int64, err error) {
	lastPipe := strings.LastIndexByte(payload, '|')
	if lastPipe < 0 {
		return "", "", "", 0, errors.New("approval: malformed payload")
	}
	expiresStr := payload[lastPipe+1:]
	rest := payload[:lastPipe]

	secondPipe := strings.LastIndexByte(rest, '|')
	if secondPipe < 0 {
		return "", "", "", 0, errors.New("approval: malformed payload")
	}
	stage = rest[secondPipe+1:]
	rest = rest[:secondPipe]

	thirdPipe := strings.LastIndexByte(rest, '|')
	if thirdPipe < 0 {
		return "", "", "", 0, errors.New("approval: malformed payload")
	}
	host = rest[:thirdPipe]
	paneID = rest[thirdPipe+1:]

	expiresAt, err = strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return "", "", "", 0, fmt.Errorf("approval: malformed expiry: %w", err)
	}
	return host, paneID, stage, expiresAt, nil
}
