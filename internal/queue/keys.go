package queue

import "taskmill/internal/domain"

// Redis key construction is kept in one place so the layout never leaks into
// callers. All keys share the {q} hash tag: the multi-key BRPOP over the
// tier lists requires every key in the same cluster slot.

func pendingKey(p domain.Priority) string { return "taskmill:{q}:pending:" + p.String() }

func revokedKey() string { return "taskmill:{q}:revoked" }
