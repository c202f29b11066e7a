// Package sqlutil has helpers for building SQL statements.
package sqlutil

import (
	"strconv"
	"strings"
)

// ValuesPlaceholders returns the placeholder groups for the VALUES part of an
// INSERT statement, numbered from $1. For example, ValuesPlaceholders(3, 2)
// returns ($1,$2,$3),($4,$5,$6). It panics if either argument is <= 0.
func ValuesPlaceholders(valuesPerRow, numRows int) string {
	if valuesPerRow <= 0 || numRows <= 0 {
		panic("ValuesPlaceholders needs at least one row and one value per row")
	}
	var b strings.Builder
	// Each value needs at most 5 bytes, e.g. "$99),".
	b.Grow(5 * valuesPerRow * numRows)
	arg := 1
	for row := 0; row < numRows; row++ {
		if row != 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for col := 0; col < valuesPerRow; col++ {
			if col != 0 {
				b.WriteString(",")
			}
			b.WriteString("$")
			b.WriteString(strconv.Itoa(arg))
			arg++
		}
		b.WriteString(")")
	}
	return b.String()
}
