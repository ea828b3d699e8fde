// Package lending decides which lending action a patron may take on a book
// and runs that action against the lending service.
//
// Resolve is a pure function of a Book snapshot and the viewer. Coordinator
// holds one snapshot for one viewer and owns the borrow protocol: a waitlist
// precheck, an optional confirmation step when other patrons are queued, then
// the commit. Return, join and leave are single calls. Every successful call
// replaces the snapshot wholesale and notifies the registered listeners; a
// failed call leaves it untouched, except that a conflict carrying a fresher
// snapshot is adopted.
package lending
