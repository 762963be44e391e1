// Package session stores the per-connection pairing state in Redis: which
// connections are waiting, which are paired and with whom. Pairing and
// unpairing run as Lua scripts so both halves of a pair change together.
package session
