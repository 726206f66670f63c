package grid

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"sortgrid/internal/auth"
)

// Dispatch runs the action recorded in st with the submitted form values.
//
//	saveGridRowSort: ItemIDs="1, 3, 2"
//	sortToPage:      ItemID=7, Target=previous|next; page and per_page
//	                 come from the state args, then the form.
func (s *Service) Dispatch(ctx context.Context, actor *Actor, st ActionState, form url.Values) ([]Record, error) {
	switch st.Action {
	case ActionSaveRowSort:
		ids, err := ParseItemIDs(form.Get("ItemIDs"))
		if err != nil {
			// Permission failures take precedence over malformed input.
			if aerr := s.Authorize(actor, st.Grid, auth.PermActionEdit); aerr != nil {
				return nil, aerr
			}
			return nil, err
		}
		return s.SaveRowSort(ctx, actor, st.Grid, ids)

	case ActionSortToPage:
		itemID, err := strconv.ParseInt(strings.TrimSpace(form.Get("ItemID")), 10, 64)
		if err != nil {
			if aerr := s.Authorize(actor, st.Grid, auth.PermActionEdit); aerr != nil {
				return nil, aerr
			}
			return nil, invalid("ItemID", "%q is not a record ID", form.Get("ItemID"))
		}
		target := strings.TrimSuffix(strings.ToLower(form.Get("Target")), "page")
		page := intArg(st.Args, form, "page", 1)
		perPage := intArg(st.Args, form, "per_page", 0)
		return s.MoveToPage(ctx, actor, st.Grid, itemID, target, page, perPage)

	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidState, st.Action)
	}
}

func intArg(args map[string]any, form url.Values, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if n, err := strconv.Atoi(form.Get(key)); err == nil {
		return n
	}
	return def
}
