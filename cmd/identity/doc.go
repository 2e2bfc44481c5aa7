// Package identity implements SDH-Chat user identifier primitives.
//
// It contains user id generation and email/search normalization
// shared by the store, the HTTP API and the seed tool. ULIDs live in identity/ids.
package identity
