// Package mcp connects to Model Context Protocol servers through the
// mcp-go stdio client and exposes their tools as domain tools named
// "<server>_<tool>".
package mcp
