// Package chat owns the live connection of each broadcast channel.
//
// A Session holds one socket.io connection to the CHZZK event stream, the
// channel's current access token and the chat subscription. Chat lines are
// queued per session and handed, in order, to a Handler (the command
// pipeline) together with the session itself as the reply Sender. Every
// platform call made with the channel token refreshes the token and retries
// once when the platform answers 401.
//
// The Registry keeps at most one Session per channel. Creating a session is
// exclusive per channel, so concurrent requests for the same channel never run
// two connect/subscribe cycles. Sessions whose socket gave up reconnecting are
// replaced on the next GetOrCreate.
package chat
