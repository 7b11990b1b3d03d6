package scenestore

import (
	"context"
	"fmt"
	"sort"
)

// ElementType classifies a semantic map element.
type ElementType string

const (
	Lane      ElementType = "lane"
	Crosswalk ElementType = "crosswalk"
)

// Point is a world-frame map coordinate in metres.
type Point struct {
	X, Y float64
}

// MapElement is a lane (Left and Right boundaries) or a crosswalk (Outline).
type MapElement struct {
	ID      string
	Type    ElementType
	Left    []Point
	Right   []Point
	Outline []Point
}

// AddMapElement stores a semantic map element.
func (s *Store) AddMapElement(ctx context.Context, e MapElement) (err error) {
	switch e.Type {
	case Lane:
		if len(e.Left) == 0 || len(e.Right) == 0 {
			return fmt.Errorf("lane %s needs both boundaries", e.ID)
		}
	case Crosswalk:
		if len(e.Outline) == 0 {
			return fmt.Errorf("crosswalk %s needs an outline", e.ID)
		}
	default:
		return fmt.Errorf("unknown map element type %q", e.Type)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO map_elements (element_id, element_type) VALUES (?, ?)`, e.ID, string(e.Type)); err != nil {
		return fmt.Errorf("insert map element %s: %w", e.ID, err)
	}
	for boundary, pts := range map[string][]Point{"left": e.Left, "right": e.Right, "outline": e.Outline} {
		for seq, p := range pts {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO map_points (element_id, boundary, seq, x, y) VALUES (?, ?, ?, ?, ?)`,
				e.ID, boundary, seq, p.X, p.Y); err != nil {
				return fmt.Errorf("insert map point %s/%s/%d: %w", e.ID, boundary, seq, err)
			}
		}
	}
	return tx.Commit()
}

// MapElements returns every map element ordered by ID.
func (s *Store) MapElements(ctx context.Context) ([]MapElement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.element_id, e.element_type, p.boundary, p.x, p.y
		FROM map_elements e
		JOIN map_points p ON p.element_id = e.element_id
		ORDER BY e.element_id, p.boundary, p.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list map elements: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*MapElement)
	for rows.Next() {
		var id, typ, boundary string
		var p Point
		if err := rows.Scan(&id, &typ, &boundary, &p.X, &p.Y); err != nil {
			return nil, fmt.Errorf("scan map point: %w", err)
		}
		e, ok := byID[id]
		if !ok {
			e = &MapElement{ID: id, Type: ElementType(typ)}
			byID[id] = e
		}
		switch boundary {
		case "left":
			e.Left = append(e.Left, p)
		case "right":
			e.Right = append(e.Right, p)
		case "outline":
			e.Outline = append(e.Outline, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MapElement, 0, len(byID))
	for _, e := range byID {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
