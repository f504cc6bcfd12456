package orders

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"orderFulfillment/models"
	"orderFulfillment/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	cursorPrefix    = "o|"
)

// encodeCursor turns the last order id of a page into an opaque page token.
func encodeCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(id, 10)))
}

func decodeCursor(token string) (int64, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("page token: %w", ErrInvalidFilter)
	}
	raw, ok := strings.CutPrefix(string(b), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("page token: %w", ErrInvalidFilter)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("page token: %w", ErrInvalidFilter)
	}
	return id, nil
}

// Page lists one page of orders starting after pageToken and returns the
// token of the next page, empty when this page is the last.
func (s *Service) Page(ctx context.Context, p repository.ListOrdersParams, pageToken string) ([]models.Order, string, error) {
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
	if t := strings.TrimSpace(pageToken); t != "" {
		id, err := decodeCursor(t)
		if err != nil {
			return nil, "", err
		}
		p.AfterID = id
	}
	list, err := s.List(ctx, p)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(list) == p.PageSize {
		next = encodeCursor(list[len(list)-1].ID)
	}
	return list, next, nil
}
