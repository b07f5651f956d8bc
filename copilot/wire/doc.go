// Package wire defines the framed wire protocol spoken between the copilot client and proxy: a
// subset of JSON-RPC 2.0 with the ambiguities of IDs and parameters removed, plus session-scoped
// event envelopes, carried in Content-Length delimited frames.
//
// Frame format:
//
//	Content-Length: <N>\r\n
//	\r\n
//	<N bytes of UTF-8 JSON>
//
// Frames may be concatenated inside one WebSocket message or split across several; a receiver
// buffers until the full body length is available and never parses a partial frame.
//
// Method directory:
//
//	models.list        {}                                      -> {models: [{id, name, provider}]}
//	session.create     {model, instructions?, tools?}          -> {sessionId}
//	session.query      {sessionId, content}                    -> {messageId}, then events until session.idle
//	session.send       {sessionId, content}                    -> {messageId}
//	session.tools      {sessionId, tools}                      -> {}
//	session.toolResult {sessionId, toolCallId, success, ...}   -> {}
//	session.cancel     {sessionId}                             (notification)
//	session.destroy    {sessionId}                             -> {}
//
// Session events are delivered as bare envelopes {id, sessionId, timestamp, parentId?, type,
// data} interleaved with responses on the same connection.
package wire
