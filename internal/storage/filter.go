package storage

import (
	"strings"

	"unitrade/internal/model"
)

// ProductFilter narrows a product listing. Zero fields match everything.
type ProductFilter struct {
	Category  string
	Condition string
	// Location matches case-insensitively anywhere in the product location.
	Location string
	// Query matches case-insensitively anywhere in title, description, category or location.
	Query    string
	MinPrice *float64
	MaxPrice *float64
	Sold     *bool
	Limit    int
}

const defaultListLimit = 100

func (f ProductFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func (f ProductFilter) Match(p model.Product) bool {
	if f.Sold != nil && p.Sold != *f.Sold {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.Condition != "" && p.Condition != f.Condition {
		return false
	}
	if f.Location != "" && !containsFold(p.Location, f.Location) {
		return false
	}
	if f.MinPrice != nil && p.Price < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && p.Price > *f.MaxPrice {
		return false
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		if !containsFold(p.Title, q) && !containsFold(p.Description, q) &&
			!containsFold(p.Category, q) && !containsFold(p.Location, q) {
			return false
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// where renders the filter as a SQL condition list starting at placeholder next.
func (f ProductFilter) where(bind func(int) string, next int) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, strings.ReplaceAll(cond, "?", bind(next)))
		args = append(args, arg)
		next++
	}
	if f.Sold != nil {
		add("sold = ?", *f.Sold)
	}
	if f.Category != "" {
		add("category = ?", f.Category)
	}
	if f.Condition != "" {
		add("condition = ?", f.Condition)
	}
	if f.Location != "" {
		add(`LOWER(location) LIKE ? ESCAPE '\'`, likePattern(f.Location))
	}
	if f.MinPrice != nil {
		add("price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		add("price <= ?", *f.MaxPrice)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		pattern := likePattern(q)
		var ors []string
		for _, col := range []string{"title", "description", "category", "location"} {
			ors = append(ors, "LOWER("+col+`) LIKE `+bind(next)+` ESCAPE '\'`)
			args = append(args, pattern)
			next++
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}
