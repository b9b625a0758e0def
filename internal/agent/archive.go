package agent

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// ArchiveKey builds the blob key for a full or partial transcript.
func ArchiveKey(agentID, sessionID string, part int) string {
	if part > 0 {
		return fmt.Sprintf("agents/%s/sessions/%s-part%d.jsonl.gz", agentID, sessionID, part)
	}
	return fmt.Sprintf("agents/%s/sessions/%s.jsonl.gz", agentID, sessionID)
}

// archiveTranscript writes messages as gzipped JSONL with accounting
// metadata. part=0 is the full transcript written on reset; compaction
// writes ascending part numbers.
func archiveTranscript(ctx context.Context, store blob.Store, agentID, sessionKey string, st *State, msgs []protocol.Message, part int) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("agent: encode transcript: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("agent: compress transcript: %w", err)
	}

	custom := blob.Metadata{
		"sessionKey":   sessionKey,
		"sessionId":    st.SessionID,
		"agentId":      agentID,
		"messageCount": strconv.Itoa(len(msgs)),
		"archivedAt":   strconv.FormatInt(time.Now().UnixMilli(), 10),
		"inputTokens":  strconv.Itoa(st.InputTokens),
		"outputTokens": strconv.Itoa(st.OutputTokens),
		"totalTokens":  strconv.Itoa(st.InputTokens + st.OutputTokens),
	}
	key := ArchiveKey(agentID, st.SessionID, part)
	if err := store.Put(ctx, key, buf.Bytes(), "application/gzip", custom); err != nil {
		return fmt.Errorf("agent: archive transcript: %w", err)
	}
	return nil
}

// ReadArchive decodes an archived transcript back into messages.
func ReadArchive(ctx context.Context, store blob.Store, key string) ([]protocol.Message, error) {
	rc, _, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("agent: open archive: %w", err)
	}
	defer gz.Close()

	var out []protocol.Message
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m protocol.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("agent: decode archive line: %w", err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("agent: read archive: %w", err)
	}
	return out, nil
}
