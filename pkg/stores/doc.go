// Package stores provides the SQLite persistence layer for sift. It holds a
// generic entity inbox that can back a domain provider, an append-only journal
// of engine events and the tags written by the tag action.
package stores
