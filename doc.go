// # Call Establishment & Signaling Engine
//
// This repository provides the Go engine behind the two-party video-calling feature of a sign-language-to-speech application. It negotiates a direct peer-to-peer media session between two clients over an asynchronous, at-least-once signaling channel: dual-path signal delivery (live websocket broadcast plus a durable replayable log), sequence-based deduplication, glare-safe offer/answer negotiation, and a supervised call lifecycle with bounded retry. A reference signaling relay lives under relay/ with its entry point in cmd/signald.
package callkit
