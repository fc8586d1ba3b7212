package file

import "strings"

// DatPathFor derives the data-file path for an index file. The pair shares a
// base name: foo.idx / foo.dat.
func DatPathFor(idxPath string) string {
	if i := strings.LastIndexByte(idxPath, '.'); i >= 0 {
		return idxPath[:i] + ".dat"
	}
	return idxPath + ".dat"
}
