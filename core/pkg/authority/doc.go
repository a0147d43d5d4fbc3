package authority

// authority_version persistence.
//
// A process-local in-memory counter is not enough: a restart would reset it
// to zero, which would let a snapshot captured at a stale version re-validate
// successfully after restart even though the world has moved on underneath
// it.
//
// This Store persists authority_version in a dedicated single-row SQLite
// table, bumped on every grant issuance and revocation. On a fresh database
// (FreshStore() == true), mek.Guard.ExecuteWithSnapshot refuses snapshot mode
// for the remainder of the boot epoch rather than trusting a version counter
// that cannot be distinguished from "no history."
