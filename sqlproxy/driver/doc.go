// Package driver implements a database/sql/driver that forwards SQL to a
// host function instead of talking to an engine directly.
//
// Every driver connection is a session on the host: Open sends an
// open_conn request and the host pins one physical connection to the
// returned id, so statements, begin/commit/rollback text and prepared
// handles all land on the same session. Requests and responses are JSON
// (see the types package).
//
// Usage:
//
//  1. Import the package to register the "sqlproxy" driver.
//
//  2. Install the transport with SetHostHandler. In-process hosts pass
//     host.SQLHost.HandleRequest directly.
//
//  3. Open the database through database/sql, sqlx or native.Open with the
//     driver name "sqlproxy". The DSN is ignored.
//
// Errors reported by the host carry a code, SQLSTATE and kind. Errors of
// kind "connection", and any failure of the transport itself, wrap
// driver.ErrBadConn so database/sql and the layers above discard the
// session.
package driver
