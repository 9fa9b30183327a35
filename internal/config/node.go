package config

import (
	"io"

	"github.com/lieser/dkimverifier/internal/config/parser"
)

// Node is a parsed configuration directive or block, re-exported from the
// low-level parser package so callers only need to import config.
type Node = parser.Node

// NodeErr formats an error that points at the given configuration node.
func NodeErr(node Node, f string, args ...interface{}) error {
	return parser.NodeErr(node, f, args...)
}

// ReadFile parses a directive-style configuration file (the same
// syntax used throughout the dkim-verifier ambient configuration: global
// options followed by named blocks) and returns its top-level nodes.
func ReadFile(r io.Reader, location string) ([]Node, error) {
	return parser.Read(r, location)
}
