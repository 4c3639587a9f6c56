package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

const draftTTL = 24 * time.Hour

// DraftBuffer is the Redis fast lane for answers arriving over the
// WebSocket. Fields are "a:<section>:<question>".
type DraftBuffer struct {
	rdb *redis.Client
}

// NewDraftBuffer creates a new DraftBuffer.
func NewDraftBuffer(rdb *redis.Client) *DraftBuffer {
	return &DraftBuffer{rdb: rdb}
}

// PutAnswer records the latest response to a question.
func (b *DraftBuffer) PutAnswer(ctx context.Context, sessionID uuid.UUID, section int, questionID string, answer json.RawMessage) error {
	return b.put(ctx, sessionID, draftField("a", section, questionID), []byte(answer))
}

func (b *DraftBuffer) put(ctx context.Context, sessionID uuid.UUID, field string, value []byte) error {
	key := config.CacheKey.SessionDraftKey(sessionID.String())
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, field, value)
	pipe.Expire(ctx, key, draftTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Snapshot returns every buffered answer as an auto-save payload.
func (b *DraftBuffer) Snapshot(ctx context.Context, sessionID uuid.UUID) (model.AnswerPayload, error) {
	fields, err := b.rdb.HGetAll(ctx, config.CacheKey.SessionDraftKey(sessionID.String())).Result()
	if err != nil {
		return nil, err
	}
	return ParseDraftFields(fields), nil
}

// Clear drops the buffer once the session no longer accepts answers.
func (b *DraftBuffer) Clear(ctx context.Context, sessionID uuid.UUID) error {
	return b.rdb.Del(ctx, config.CacheKey.SessionDraftKey(sessionID.String())).Err()
}

func draftField(kind string, section int, questionID string) string {
	return kind + ":" + strconv.Itoa(section) + ":" + questionID
}

// ParseDraftFields converts raw hash fields into a payload. Malformed
// fields and fields of any other kind are skipped rather than failing the
// whole flush.
func ParseDraftFields(fields map[string]string) model.AnswerPayload {
	payload := model.AnswerPayload{}
	for field, value := range fields {
		parts := strings.SplitN(field, ":", 3)
		if len(parts) != 3 {
			continue
		}
		section, err := strconv.Atoi(parts[1])
		if err != nil || section < 0 {
			continue
		}
		if parts[0] != "a" || parts[2] == "" || !json.Valid([]byte(value)) {
			continue
		}
		entry := payload[section]
		if entry.Answers == nil {
			entry.Answers = map[string]json.RawMessage{}
		}
		entry.Answers[parts[2]] = json.RawMessage(value)
		payload[section] = entry
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}
