// Package textutil provides filename sanitization for uploaded sources and
// generated artifacts.
package textutil
