package relay

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/canonical"
	"github.com/modelrelay/modelrelay/internal/chunking"
	"github.com/modelrelay/modelrelay/internal/logging"
	"github.com/modelrelay/modelrelay/internal/toolcall"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// Execute runs one non-streaming request and returns the canonical response
// body. Oversized conversations are split, executed chunk by chunk in order
// and merged; the first failing chunk aborts the sequence.
func (s *Service) Execute(ctx context.Context, raw []byte) ([]byte, error) {
	req, rt, err := s.prepare(ctx, raw)
	if err != nil {
		return nil, err
	}
	should, reason := chunking.ShouldChunk(req, rt.chunking)
	if !should {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()
		return rt.provider.Execute(callCtx, rt.upstreamModel, raw)
	}

	s.requestLog(ctx).WithField("model", req.Model).Infof("chunking conversation: %s", reason)
	chunks, err := chunking.BuildChunks(req.Messages, rt.chunking)
	if err != nil {
		return nil, err
	}
	results, err := s.runChunks(ctx, rt, raw, chunks)
	if err != nil {
		return nil, err
	}
	agg, err := chunking.Aggregate(results)
	if err != nil {
		return nil, err
	}
	return json.Marshal(agg)
}

// ExecuteStream runs one streaming request. A conversation that fits in a
// single chunk streams straight through. A chunked one executes unary per
// chunk and the aggregate is re-streamed to the client as synthesized
// events, so callers always receive a well-formed stream.
func (s *Service) ExecuteStream(ctx context.Context, raw []byte) (<-chan upstream.StreamChunk, error) {
	req, rt, err := s.prepare(ctx, raw)
	if err != nil {
		return nil, err
	}
	should, reason := chunking.ShouldChunk(req, rt.chunking)
	if !should {
		return rt.provider.ExecuteStream(ctx, rt.upstreamModel, raw)
	}

	s.requestLog(ctx).WithField("model", req.Model).Infof("chunking streamed conversation: %s", reason)
	chunks, err := chunking.BuildChunks(req.Messages, rt.chunking)
	if err != nil {
		return nil, err
	}

	out := make(chan upstream.StreamChunk)
	go func() {
		defer close(out)
		emit := func(chunk upstream.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		results, runErr := s.runChunks(ctx, rt, raw, chunks)
		if runErr != nil {
			emit(upstream.StreamChunk{Err: runErr})
			return
		}
		agg, aggErr := chunking.Aggregate(results)
		if aggErr != nil {
			emit(upstream.StreamChunk{Err: aggErr})
			return
		}
		for _, payload := range synthesizeStream(agg) {
			if !emit(upstream.StreamChunk{Payload: payload}) {
				return
			}
		}
	}()
	return out, nil
}

// prepare parses and validates the request, runs the advisory tool call
// check, resolves the route and injects the provider credential.
func (s *Service) prepare(ctx context.Context, raw []byte) (*canonical.Request, route, error) {
	req, err := canonical.ParseRequest(raw)
	if err != nil {
		return nil, route{}, err
	}
	if err = canonical.ValidateRequest(req); err != nil {
		return nil, route{}, err
	}
	s.warnToolSequences(ctx, req)
	rt, err := s.lookup(req.Model)
	if err != nil {
		return nil, route{}, err
	}
	if err = s.applyCredential(ctx, rt); err != nil {
		return nil, route{}, err
	}
	return req, rt, nil
}

// warnToolSequences checks the conversation's tool call pairing. Findings
// are logged and the request proceeds; the upstream stays the arbiter of
// what it accepts.
func (s *Service) warnToolSequences(ctx context.Context, req *canonical.Request) {
	validator := toolcall.NewValidator()
	result := validator.Validate(req.Messages)
	if result.Valid && len(result.Warnings) == 0 {
		return
	}
	entry := s.requestLog(ctx).WithField("model", req.Model)
	for _, issue := range result.Errors {
		entry.Warnf("tool call sequence: %v", issue)
	}
	for _, warning := range result.Warnings {
		entry.Warnf("tool call sequence: %s", warning)
	}
}

// runChunks executes chunks strictly in order, each bounded by its own call
// timeout. The returned error names the chunk that failed.
func (s *Service) runChunks(ctx context.Context, rt route, raw []byte, chunks []chunking.Chunk) ([]canonical.Response, error) {
	entry := s.requestLog(ctx)
	results := make([]canonical.Response, 0, len(chunks))
	for i := range chunks {
		sub, err := subRequest(raw, chunks[i].Messages)
		if err != nil {
			return nil, &chunking.ChunkError{Index: i, Total: len(chunks), Err: err}
		}
		entry.WithField("chunks", len(chunks)).Debugf("executing chunk %d: %d messages, ~%d tokens",
			i+1, len(chunks[i].Messages), chunks[i].Tokens)
		callCtx, cancel := s.callContext(ctx)
		body, err := rt.provider.Execute(callCtx, rt.upstreamModel, sub)
		cancel()
		if err != nil {
			return nil, &chunking.ChunkError{Index: i, Total: len(chunks), Err: err}
		}
		var parsed canonical.Response
		if err = json.Unmarshal(body, &parsed); err != nil {
			return nil, &chunking.ChunkError{Index: i, Total: len(chunks), Err: fmt.Errorf("decode chunk response: %w", err)}
		}
		results = append(results, parsed)
	}
	return results, nil
}

// subRequest swaps the chunk's message window into the original body so
// every other requested parameter survives unchanged. The stream flag is
// dropped: chunk execution is always unary.
func subRequest(raw []byte, msgs []canonical.Message) ([]byte, error) {
	out, err := sjson.DeleteBytes(raw, "stream")
	if err != nil {
		return nil, err
	}
	out, err = sjson.DeleteBytes(out, "stream_options")
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "messages", msgs)
}

func (s *Service) requestLog(ctx context.Context) *log.Entry {
	return log.WithField(logging.RequestIDFieldKey, logging.RequestIDFromContext(ctx))
}
