package http

import (
	"fmt"

	"analyticdb/pkg/row"
)

const opDelete = "delete"

func decodeRows(schema row.Schema, in []RowJSON) ([]row.Row, error) {
	out := make([]row.Row, 0, len(in))
	for i, rj := range in {
		r := row.Row{Key: []byte(rj.Key)}
		switch rj.Op {
		case "", "put":
			r.Op = row.OpPut
		case opDelete:
			r.Op = row.OpDelete
			out = append(out, r)
			continue
		default:
			return nil, fmt.Errorf("%w: row %d: unknown op %q", errBadRequest, i, rj.Op)
		}

		for name := range rj.Values {
			if schema.Index(name) < 0 {
				return nil, fmt.Errorf("%w: row %d: unknown column %q", errBadRequest, i, name)
			}
		}
		r.Values = make([]row.Datum, len(schema.Columns))
		for j, c := range schema.Columns {
			d, err := row.FromValue(c.Kind, rj.Values[c.Name])
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %q: %w", errBadRequest, i, c.Name, err)
			}
			r.Values[j] = d
		}
		out = append(out, r)
	}
	return out, nil
}

func encodeRow(schema row.Schema, r row.Row) RowJSON {
	rj := RowJSON{Key: string(r.Key), Seq: r.Seq}
	if r.Op == row.OpDelete {
		rj.Op = opDelete
		return rj
	}
	rj.Values = make(map[string]any, len(schema.Columns))
	for i, c := range schema.Columns {
		if i < len(r.Values) {
			rj.Values[c.Name] = r.Values[i].Value()
		}
	}
	return rj
}

func encodeRows(schema row.Schema, rows []row.Row) []RowJSON {
	out := make([]RowJSON, len(rows))
	for i, r := range rows {
		out[i] = encodeRow(schema, r)
	}
	return out
}
