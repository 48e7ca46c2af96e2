package domain

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"

	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

// QuestionMeta is the immutable per-instance question metadata the cache
// needs to aggregate responses without loading the durable record.
type QuestionMeta struct {
	Kind        QuestionKind
	ChoiceCount int
	Min         *float64
	Max         *float64
}

// Meta extracts the cacheable question metadata of an instance.
func (i *QuestionInstance) Meta() QuestionMeta {
	return QuestionMeta{
		Kind:        i.Kind,
		ChoiceCount: i.ChoiceCount,
		Min:         i.Min,
		Max:         i.Max,
	}
}

// CacheSnapshot mirrors the flat hash layout of one live cache entry:
// a bucket hash keyed by choice index or content key, a parallel literal
// hash for free-form kinds, and the participants counter.
type CacheSnapshot struct {
	Buckets      map[string]int
	Literals     map[string]string
	Participants int
}

// ValidateResponse checks a raw response against the question metadata
// before any state is mutated.
func ValidateResponse(meta QuestionMeta, response Response) error {
	switch {
	case meta.Kind.IsChoice():
		if len(response.Choices) == 0 {
			return apperrors.New(apperrors.CodeResponseInvalid, "at least one choice is required")
		}
		if meta.Kind == QuestionKindSingleChoice && len(response.Choices) > 1 {
			return apperrors.New(apperrors.CodeResponseInvalid, "single choice questions accept exactly one choice")
		}
		for _, index := range response.Choices {
			if index < 0 || index >= meta.ChoiceCount {
				return apperrors.WithMetadata(apperrors.CodeChoiceIndexOutOfRange, "choice index out of range", map[string]string{
					"index": strconv.Itoa(index),
				})
			}
		}
	case meta.Kind == QuestionKindFreeText:
		if strings.TrimSpace(response.Text) == "" {
			return apperrors.New(apperrors.CodeResponseInvalid, "free text response is empty")
		}
	case meta.Kind == QuestionKindFreeRange:
		if response.Value == nil {
			return apperrors.New(apperrors.CodeResponseInvalid, "numeric response value is required")
		}
		if meta.Min != nil && *response.Value < *meta.Min {
			return apperrors.New(apperrors.CodeResponseOutOfRange, "value below the allowed minimum")
		}
		if meta.Max != nil && *response.Value > *meta.Max {
			return apperrors.New(apperrors.CodeResponseOutOfRange, "value above the allowed maximum")
		}
	default:
		return ErrInvalidQuestionKind
	}
	return nil
}

// FreeResultKey derives the bucket key and display literal for a free-form
// response. Free text keys by the md5 of the normalized text; numeric
// responses key by the canonical decimal rendering of the value.
func FreeResultKey(kind QuestionKind, response Response) (key string, literal string) {
	if kind == QuestionKindFreeRange {
		literal = strconv.FormatFloat(*response.Value, 'f', -1, 64)
		return literal, literal
	}
	literal = strings.TrimSpace(response.Text)
	sum := md5.Sum([]byte(strings.ToLower(literal)))
	return hex.EncodeToString(sum[:]), literal
}

// ApplyResponse folds one validated response into a durable results
// snapshot, the degraded-mode aggregation path used when no cache is
// available. The snapshot is initialized lazily.
func ApplyResponse(results *Results, meta QuestionMeta, response Response) *Results {
	if results == nil {
		results = &Results{}
	}
	if meta.Kind.IsChoice() {
		if len(results.Choices) < meta.ChoiceCount {
			counts := make([]int, meta.ChoiceCount)
			copy(counts, results.Choices)
			results.Choices = counts
		}
		for _, index := range response.Choices {
			results.Choices[index]++
		}
	} else {
		if results.Free == nil {
			results.Free = make(map[string]FreeBucket)
		}
		key, literal := FreeResultKey(meta.Kind, response)
		bucket, ok := results.Free[key]
		if !ok {
			// First-seen literal wins for display.
			bucket = FreeBucket{Value: literal}
		}
		bucket.Count++
		results.Free[key] = bucket
	}
	results.TotalParticipants++
	return results
}

// CacheToResults converts a drained cache snapshot into the durable result
// shape. An empty or missing snapshot yields a zeroed result, never an
// error.
func CacheToResults(snapshot CacheSnapshot, meta QuestionMeta) *Results {
	results := &Results{TotalParticipants: snapshot.Participants}
	if meta.Kind.IsChoice() {
		results.Choices = make([]int, meta.ChoiceCount)
		for key, count := range snapshot.Buckets {
			index, err := strconv.Atoi(key)
			if err != nil || index < 0 || index >= meta.ChoiceCount {
				continue
			}
			results.Choices[index] = count
		}
		return results
	}

	results.Free = make(map[string]FreeBucket, len(snapshot.Buckets))
	for key, count := range snapshot.Buckets {
		literal := snapshot.Literals[key]
		if meta.Kind == QuestionKindFreeRange && literal == "" {
			literal = key
		}
		results.Free[key] = FreeBucket{Count: count, Value: literal}
	}
	return results
}

// ResultsToCacheSeed converts a durable result snapshot back into the cache
// hash shape, used to rehydrate the cache when a previously executed block
// re-activates or a paused session resumes. The inverse of CacheToResults;
// no information is lost across the round trip.
func ResultsToCacheSeed(results *Results, meta QuestionMeta) CacheSnapshot {
	seed := CacheSnapshot{
		Buckets:  make(map[string]int),
		Literals: make(map[string]string),
	}
	if results == nil {
		return seed
	}
	seed.Participants = results.TotalParticipants
	if meta.Kind.IsChoice() {
		for index, count := range results.Choices {
			seed.Buckets[strconv.Itoa(index)] = count
		}
		return seed
	}
	for key, bucket := range results.Free {
		seed.Buckets[key] = bucket.Count
		seed.Literals[key] = bucket.Value
	}
	return seed
}
