// Package transfer moves object bytes between nodes of one namespace.
//
// Every node runs a small TCP server speaking the binary frame protocol: a
// fetch frame carries the object id as a TLV field and the namespace hash in
// the frame's auth block; the reply is an object frame with the content or an
// error frame with a reason. Catalog entries name these servers as sources.
package transfer
