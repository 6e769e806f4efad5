package database

// Package database runs prepared statements over pooled native sessions.
//
// A Database hands out reference-counted Connections through a
// ConnectionFactory: NewFactory opens a session per request, PoolFactory
// keeps a bounded set of sessions and reuses the most recently returned
// one. Each Connection carries a StatementCache of per-type statement
// bundles and enforces that at most one select streams results on the
// session at a time; starting any statement cancels the streaming one,
// which keeps its rows only if they were cached client-side first.
