package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/tradelane/api/internal/domain"
	pfirestore "github.com/tradelane/api/internal/platform/firestore"
)

// historyCollection holds the shared mechanics of the append-only, owner-scoped collections.
// Every document carries ownerUid and timestamp; listings page newest first on (timestamp, id).
type historyCollection[T any, D any] struct {
	name      string
	base      *pfirestore.Collection[D]
	encode    func(T) (D, error)
	decode    func(id string, doc D) (T, error)
	id        func(T) string
	timestamp func(T) time.Time
}

func (h *historyCollection[T, D]) insert(ctx context.Context, item T) error {
	if h == nil || h.base == nil {
		return errors.New("history repository not initialised")
	}
	id := strings.TrimSpace(h.id(item))
	if id == "" {
		return fmt.Errorf("%s repository: id is required", h.name)
	}
	doc, err := h.encode(item)
	if err != nil {
		return fmt.Errorf("%s repository: encode %s: %w", h.name, id, err)
	}
	docRef, err := h.base.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError(h.name+".insert", err)
	}
	return nil
}

func (h *historyCollection[T, D]) findByID(ctx context.Context, id string) (T, error) {
	var zero T
	if h == nil || h.base == nil {
		return zero, errors.New("history repository not initialised")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, fmt.Errorf("%s repository: id is required", h.name)
	}
	doc, err := h.base.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	return h.decode(doc.ID, doc.Data)
}

func (h *historyCollection[T, D]) delete(ctx context.Context, id string) error {
	if h == nil || h.base == nil {
		return errors.New("history repository not initialised")
	}
	docRef, err := h.base.Doc(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if _, err := docRef.Delete(ctx, firestore.Exists); err != nil {
		return pfirestore.WrapError(h.name+".delete", err)
	}
	return nil
}

func (h *historyCollection[T, D]) listByOwner(ctx context.Context, ownerID string, page domain.Pagination) (domain.CursorPage[T], error) {
	if h == nil || h.base == nil {
		return domain.CursorPage[T]{}, errors.New("history repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CursorPage[T]{}, fmt.Errorf("%s repository: owner id is required", h.name)
	}

	limit := page.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(page.PageToken); token != "" {
		tokenTime, tokenID, err := decodeHistoryToken(token)
		if err != nil {
			return domain.CursorPage[T]{}, err
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := h.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("ownerUid", "==", ownerID).
			OrderBy("timestamp", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[T]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		docs = docs[:limit]
	} else {
		limit = 0
	}

	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		item, err := h.decode(doc.ID, doc.Data)
		if err != nil {
			return domain.CursorPage[T]{}, fmt.Errorf("%s repository: decode %s: %w", h.name, doc.ID, err)
		}
		items = append(items, item)
	}
	if limit > 0 && len(items) > 0 {
		last := items[len(items)-1]
		nextToken, err = encodeHistoryToken(h.timestamp(last), h.id(last))
		if err != nil {
			return domain.CursorPage[T]{}, err
		}
	}
	return domain.CursorPage[T]{Items: items, NextPageToken: nextToken}, nil
}

func (h *historyCollection[T, D]) deleteByOwner(ctx context.Context, ownerID string) (int, error) {
	if h == nil || h.base == nil {
		return 0, errors.New("history repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return 0, fmt.Errorf("%s repository: owner id is required", h.name)
	}
	return h.base.DeleteWhere(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerUid", "==", ownerID)
	}, 0)
}
