// Package native is the client API the database package drives: physical
// sessions, prepared-statement handles and fixed result buffers.
//
// The interfaces are shaped after a prepared-statement C client. A
// statement handle is allocated on a session, prepared, bound to parameter
// and result buffers, executed, and then fetched row by row. Only one
// streaming result may be outstanding per session at a time; callers that
// need more store the result client-side first.
//
// Open returns a Connector backed by any registered database/sql driver.
// Driver errors are classified per driver name into *Error values so the
// layers above can tell deadlocks, duplicate keys and lost sessions apart
// without knowing which engine is underneath.
package native
