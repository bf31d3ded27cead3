package model

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// #region codec

const jsonSubtype = "json"

// jsonCodec marshals request and reply messages as JSON so the inference
// service can be spoken to without generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonSubtype }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// #endregion codec

// #region client

const (
	draftMethod  = "/dsde.ModelService/Draft"
	verifyMethod = "/dsde.ModelService/Verify"

	defaultCallTimeout = 10 * time.Second
)

// Client speaks to the draft/target inference service over gRPC with the
// JSON content subtype. Implements Collaborator.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient dials the inference service at addr. The connection is lazy; the
// first call establishes transport.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonSubtype)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial model service %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: defaultCallTimeout}, nil
}

// WithTimeout overrides the per-call deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Draft requests up to req.MaxTokens speculative tokens for one sequence.
func (c *Client) Draft(ctx context.Context, req DraftRequest) (DraftProposal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp DraftProposal
	if err := c.conn.Invoke(ctx, draftMethod, &req, &resp); err != nil {
		return DraftProposal{}, fmt.Errorf("draft rpc: %w", err)
	}
	if err := validateProposal(resp); err != nil {
		return DraftProposal{}, err
	}
	return resp, nil
}

// Verify scores all candidate prefixes in one batched call.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (VerifyBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp VerifyBatch
	if err := c.conn.Invoke(ctx, verifyMethod, &req, &resp); err != nil {
		return VerifyBatch{}, fmt.Errorf("verify rpc: %w", err)
	}
	for _, r := range resp.Results {
		for _, p := range r.TargetProbs {
			if !validProb(p) {
				return VerifyBatch{}, fmt.Errorf("sequence %s target prob %g: %w",
					r.SequenceID, p, ErrInvalidProbability)
			}
		}
	}
	return resp, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// #endregion client

// #region validation

func validProb(p float64) bool {
	return p == p && p >= 0 && p <= 1
}

func validateProposal(p DraftProposal) error {
	for _, tok := range p.Tokens {
		if !validProb(tok.Prob) {
			return fmt.Errorf("sequence %s draft prob %g: %w",
				p.SequenceID, tok.Prob, ErrInvalidProbability)
		}
	}
	return nil
}

// #endregion validation
