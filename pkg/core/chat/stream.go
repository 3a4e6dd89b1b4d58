package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// Stream iterates over the events of one streaming response. Not safe for
// concurrent use.
type Stream struct {
	reader *bufio.Reader
	closer io.Closer

	err      error
	finished bool
	pending  []Event

	finishReason string
	usage        Usage
	sourcesSeen  int
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{
		reader: bufio.NewReader(body),
		closer: body,
	}
}

// responseChunk is one wire chunk, shared by streaming and non-streaming
// responses.
type responseChunk struct {
	Candidates    []wireCandidate `json:"candidates"`
	UsageMetadata *wireUsage      `json:"usageMetadata,omitempty"`
}

type wireCandidate struct {
	Content           wireContent            `json:"content"`
	FinishReason      string                 `json:"finishReason"`
	GroundingMetadata *wireGroundingMetadata `json:"groundingMetadata,omitempty"`
}

type wireUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type wireGroundingMetadata struct {
	GroundingChunks []wireGroundingChunk `json:"groundingChunks,omitempty"`
}

type wireGroundingChunk struct {
	Web *wireWebSource `json:"web,omitempty"`
}

type wireWebSource struct {
	URI    string `json:"uri"`
	Title  string `json:"title"`
	Domain string `json:"domain,omitempty"`
}

// Next returns the next event. The final event is always Finish; the call
// after that returns io.EOF.
func (s *Stream) Next() (Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.finished {
		return nil, io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return s.finish()
			}
			s.err = err
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" || data == "[DONE]" {
			return s.finish()
		}

		var chunk responseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip unparseable chunks
		}

		if chunk.UsageMetadata != nil {
			s.usage = Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:  chunk.UsageMetadata.TotalTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]
		if candidate.FinishReason != "" {
			s.finishReason = candidate.FinishReason
		}

		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				s.pending = append(s.pending, TextDelta{Text: part.Text})
			}
		}
		if gm := candidate.GroundingMetadata; gm != nil && len(gm.GroundingChunks) > s.sourcesSeen {
			s.sourcesSeen = len(gm.GroundingChunks)
			s.pending = append(s.pending, SourceSet{Sources: collectSources(gm)})
		}

		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
	}
}

func collectSources(gm *wireGroundingMetadata) []Source {
	sources := make([]Source, 0, len(gm.GroundingChunks))
	for _, gc := range gm.GroundingChunks {
		if gc.Web == nil {
			continue
		}
		sources = append(sources, Source{
			Title:  gc.Web.Title,
			URI:    gc.Web.URI,
			Domain: gc.Web.Domain,
		})
	}
	return sources
}

// finish emits the terminal Finish event once.
func (s *Stream) finish() (Event, error) {
	if s.finished {
		return nil, io.EOF
	}
	s.finished = true
	return Finish{Reason: mapFinishReason(s.finishReason), Usage: s.usage}, nil
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.closer.Close()
}

// Collect drains a stream into the full response text, calling onDelta (if
// set) for each increment. Returns the text and the terminal event.
func Collect(ctx context.Context, s *Stream, onDelta func(string)) (string, Finish, error) {
	defer s.Close()

	var sb strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return sb.String(), Finish{}, err
		}
		ev, err := s.Next()
		if err == io.EOF {
			// Streams end with Finish; EOF without one means truncation.
			return sb.String(), Finish{Reason: FinishUnknown}, nil
		}
		if err != nil {
			return sb.String(), Finish{}, err
		}
		switch ev := ev.(type) {
		case TextDelta:
			sb.WriteString(ev.Text)
			if onDelta != nil {
				onDelta(ev.Text)
			}
		case Finish:
			return sb.String(), ev, nil
		}
	}
}
