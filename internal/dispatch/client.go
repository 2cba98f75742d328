package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh/swarmd/internal/busylock"
	"github.com/agentmesh/swarmd/pkg/models"
)

var tracer = otel.Tracer("swarmd/dispatch")

// BusyError is returned by Chat when the peer answered 503 busy, carrying
// the peer's busy response. Whether the peer was asked for by name or came
// from the open candidate pool is decided by the caller (dispatchOne's
// targetPort), not recorded here.
type BusyError struct {
	Busy busylock.BusyResponse
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("dispatch: peer busy: %s", e.Busy.CurrentTask)
}

// ConnError wraps any failure to even reach the peer (refused connection,
// DNS failure, timeout before headers). The dispatcher tool prunes the
// peer from the registry on this error.
type ConnError struct {
	Cause error
}

func (e *ConnError) Error() string { return fmt.Sprintf("dispatch: peer unreachable: %v", e.Cause) }
func (e *ConnError) Unwrap() error { return e.Cause }

// PeerClient issues /api/chat requests to peer nodes and streams back
// text-only progress through emit while assembling the full final report.
type PeerClient struct {
	httpClient *http.Client
	signer     *Signer
	selfPort   int
}

// NewPeerClient builds a client bound to this node's own port (included in
// signed tokens so a peer's audit log can attribute the call).
func NewPeerClient(signer *Signer, selfPort int, timeout time.Duration) *PeerClient {
	return &PeerClient{
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
		selfPort:   selfPort,
	}
}

// ChatResult is what a peer dispatch produces on success: the worker's
// concatenated text chunks only.
type ChatResult struct {
	FinalReport string
}

// Chat posts one chat turn to a peer and streams its ndjson response,
// forwarding projected swarm_event "chunk" updates through emit as they
// arrive. It returns *BusyError on HTTP 503, *ConnError if the peer could
// not be reached at all, and a plain error for any other protocol failure.
func (c *PeerClient) Chat(ctx context.Context, peerURL string, req models.ChatRequest, workerPort int, emit func(models.Chunk)) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "dispatch.peer_chat", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.url", peerURL),
			attribute.Int("peer.port", workerPort),
			attribute.String("session.id", req.SessionID),
		))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dispatch: marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(peerURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dispatch: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.signer != nil {
		token, err := c.signer.Sign(c.selfPort)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("dispatch: sign request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "peer unreachable")
		return nil, &ConnError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		var busy busylock.BusyResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&busy); decodeErr != nil {
			span.RecordError(decodeErr)
			return nil, fmt.Errorf("dispatch: decode busy response: %w", decodeErr)
		}
		span.SetAttributes(attribute.Bool("peer.busy", true))
		return nil, &BusyError{Busy: busy}
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("dispatch: peer returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var report strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var wrapped models.ChunkLine
		if err := json.Unmarshal(line, &wrapped); err != nil {
			continue
		}
		// Process-masking: only text chunks project into the
		// final report. tool_call/tool_result/thought chunks are the
		// worker's own internal bookkeeping and are dropped here.
		if wrapped.Chunk.Type == models.ChunkText {
			report.WriteString(wrapped.Chunk.Text)
			if emit != nil {
				emit(models.SwarmChunk(models.SwarmEventChunk, workerPort, "", wrapped.Chunk.Text, ""))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dispatch: read peer stream: %w", err)
	}

	return &ChatResult{FinalReport: report.String()}, nil
}

// StopWorker asks a peer to cancel one of its own in-flight sessions via
// POST /api/stop_worker. Returns *ConnError if the peer could not be reached.
func (c *PeerClient) StopWorker(ctx context.Context, peerURL string, req models.StopWorkerRequest) error {
	ctx, span := tracer.Start(ctx, "dispatch.stop_worker", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.url", peerURL),
			attribute.Int("peer.port", req.WorkerPort),
			attribute.String("session.id", req.WorkerSessionID),
		))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatch: marshal stop_worker request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(peerURL, "/")+"/api/stop_worker", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatch: build stop_worker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		token, err := c.signer.Sign(c.selfPort)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("dispatch: sign request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "peer unreachable")
		return &ConnError{Cause: err}
	}
	defer resp.Body.Close()

	var status models.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatch: decode stop_worker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || status.Status != "success" {
		err := fmt.Errorf("dispatch: stop_worker rejected (status %d): %s", resp.StatusCode, status.Error)
		span.RecordError(err)
		return err
	}
	return nil
}
