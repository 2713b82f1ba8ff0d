/*
Package api holds the wire types shared by the HTTP surfaces of the key
manager and the error mapping between sentinel errors and status codes.

It is organized into two subpackages:

1. metadatahandler - the metadata service: signed, versioned record envelopes
2. oraclehandler - one node of the reference oracle network

Each subpackage carries both the chi handler and the matching client, so a
round trip through the wire keeps the same sentinel errors on both ends:

	server: WriteError(w, interfaces.ErrVersionConflict)   -> 409 {"code":"version_conflict"}
	client: DecodeError(409, body)                         -> errors.Is(err, interfaces.ErrVersionConflict)

# Metadata API

	GET  /api/metadata/records/{id}   record envelope, 404 when absent
	POST /api/metadata/batch          SetBatchRequest, all-or-nothing

# Oracle API

	POST /api/oracle/shares                      ShareRequest -> ShareResponse
	GET  /api/oracle/keys/{verifier}/{id}        PublicKeyResponse

Share responses are encrypted to the caller's session key and signed by the
node key, see ShareResponse.SigningMessage.
*/
package api
