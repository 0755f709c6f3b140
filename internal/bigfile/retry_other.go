//go:build !unix

package bigfile

func isEINTR(error) bool { return false }
