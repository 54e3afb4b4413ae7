// Package remote implements the exporting side of federation: claims for
// agents bought by other servers, the remote sessions those agents run in
// and the WebSocket tunnel that connects them to the buyer.
//
// Payment claims made by exported agents are aggregated per payment session
// and settled once, when the last remote session of that payment session
// closes.
package remote
