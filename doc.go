// Package slimweb holds the HTTP/1.1 message model shared by the client and
// server engines: methods, versions, ordered headers, requests, responses,
// status reasons and the error taxonomy.
//
// Framing, deadlines and connection handling live in the subpackages
// wire, deadline, conn, client and server.
package slimweb
