// Package admission talks to the room API: it creates or joins a room and
// returns the credentials for the relay.
package admission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Options struct {
	BaseURL string
	Timeout time.Duration
	// VerifyAttempts bounds payment verification; zero or less skips it.
	VerifyAttempts int
	VerifyInterval time.Duration
	HTTP           *http.Client
}

type Client struct {
	baseURL        string
	http           *http.Client
	verifyAttempts int
	verifyInterval time.Duration
}

var _ core.Admission = (*Client)(nil)

func New(opts Options) *Client {
	hc := opts.HTTP
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		http:           hc,
		verifyAttempts: opts.VerifyAttempts,
		verifyInterval: opts.VerifyInterval,
	}
}

type createRequest struct {
	Name             string `json:"name"`
	Nonce            string `json:"nonce"`
	E2EE             bool   `json:"e2ee"`
	Title            string `json:"title"`
	ViewerPrice      string `json:"viewerPrice"`
	ParticipantPrice string `json:"participantPrice"`
	ParticipantID    string `json:"participantID"`
	ViewerID         string `json:"viewerID"`
}

type joinRequest struct {
	Name      string `json:"name"`
	Nonce     string `json:"nonce"`
	SID       string `json:"sid"`
	NoPublish bool   `json:"noPublish"`
}

type infoRequest struct {
	SID string `json:"sid"`
}

type tokenView struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	URL       string `json:"url"`
	SID       string `json:"sid"`
	UID       string `json:"uid"`
	Key       string `json:"key"`
}

// token is the signed admission ticket, base64 JSON.
type token struct {
	SID           string `json:"sid"`
	UID           string `json:"uid"`
	Name          string `json:"name"`
	IsHost        bool   `json:"isHost"`
	ClientAddress string `json:"clientAddress"`
	URL           string `json:"url"`
	CallID        string `json:"callID"`
	NoPublish     bool   `json:"noPublish"`
}

// paymentID maps the ledger's "0" placeholder to unpaid.
func paymentID(id string) string {
	if id == "0" {
		return ""
	}
	return id
}

func needsVerification(p domain.RoomParams) bool {
	return paymentID(p.ParticipantID) != "" || paymentID(p.ViewerID) != ""
}

func (c *Client) route(p domain.RoomParams) (string, string, any) {
	nonce := p.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	if p.Creating() {
		return "create", c.baseURL + "/room/create", createRequest{
			Name:             p.Name,
			Nonce:            nonce,
			E2EE:             p.E2EE,
			Title:            p.Title,
			ViewerPrice:      p.ViewerPrice,
			ParticipantPrice: p.ParticipantPrice,
			ParticipantID:    paymentID(p.ParticipantID),
			ViewerID:         paymentID(p.ViewerID),
		}
	}
	return "join", c.baseURL + "/room/join", joinRequest{
		Name:      p.Name,
		Nonce:     nonce,
		SID:       p.SID,
		NoPublish: p.NoPublish,
	}
}

// CreateOrJoin runs the admission handshake. Payment verification, when the
// role is paid, is best effort and never fails the call.
func (c *Client) CreateOrJoin(ctx context.Context, p domain.RoomParams) (*domain.SessionCredentials, error) {
	if err := p.Validate(); err != nil {
		return nil, &domain.AdmissionError{Reason: "invalid params", Err: err}
	}
	op, url, payload := c.route(p)
	logger := log.With().Str("module", "admission").Str("op", op).Str("sid", p.SID).Logger()

	if needsVerification(p) {
		if err := c.verify(ctx, url+"/verify", payload); err != nil {
			if ctx.Err() != nil {
				return nil, &domain.AdmissionError{Reason: op, Err: ctx.Err()}
			}
			logger.Warn().Err(err).Msg("payment not verified, continuing")
		}
	}

	var view tokenView
	status, err := c.post(ctx, url, payload, &view)
	if err != nil {
		return nil, &domain.AdmissionError{Reason: op, Status: status, Err: err}
	}

	creds := &domain.SessionCredentials{
		RelayURL:  view.URL,
		SID:       view.SID,
		UID:       view.UID,
		Name:      p.Name,
		Token:     view.Token,
		Signature: view.Signature,
		Key:       view.Key,
		E2EE:      p.E2EE,
		NoPublish: p.NoPublish,
	}
	if tok, err := parseToken(view.Token); err != nil {
		logger.Debug().Err(err).Msg("token not decodable")
	} else {
		creds.IsHost = tok.IsHost
		creds.NoPublish = creds.NoPublish || tok.NoPublish
		if creds.UID == "" {
			creds.UID = tok.UID
		}
		if creds.SID == "" {
			creds.SID = tok.SID
		}
		if creds.RelayURL == "" {
			creds.RelayURL = tok.URL
		}
	}
	if creds.RelayURL == "" || creds.UID == "" || creds.Token == "" {
		return nil, &domain.AdmissionError{Reason: op, Status: status, Err: errors.New("incomplete credentials")}
	}

	logger.Info().Str("sid", creds.SID).Str("uid", creds.UID).Str("relay", creds.RelayURL).Bool("host", creds.IsHost).Msg("admitted")
	return creds, nil
}

// Info returns the public metadata of a room.
func (c *Client) Info(ctx context.Context, sid string) (*domain.RoomInfo, error) {
	var info domain.RoomInfo
	status, err := c.post(ctx, c.baseURL+"/room/info", infoRequest{SID: sid}, &info)
	if err != nil {
		return nil, &domain.AdmissionError{Reason: "info", Status: status, Err: err}
	}
	return &info, nil
}

func parseToken(s string) (*token, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var tok token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// post sends in as JSON and decodes a 2xx body into out. The status is
// returned whenever a response arrived.
func (c *Client) post(ctx context.Context, url string, in, out any) (int, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("POST %s: status %s", url, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("POST %s: decode: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}
