package mysql

// A replayed initiate response for a known reference keeps the first row;
// only the redirect target is refreshed.
const insertSessionSQL = `
INSERT INTO payment_sessions
  (reference, property_id, viewer_id, status, authorization_url, payment_method, fee)
VALUES
  (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  authorization_url = VALUES(authorization_url),
  updated_at        = CURRENT_TIMESTAMP
`

const getSessionSQL = `
SELECT
  reference,
  property_id,
  viewer_id,
  status,
  authorization_url,
  payment_method,
  fee,
  created_at,
  updated_at
FROM payment_sessions
WHERE reference = ?
`

// Terminal rows never move again.
const updateStatusSQL = `
UPDATE payment_sessions
SET status = ?, updated_at = CURRENT_TIMESTAMP
WHERE reference = ?
  AND status NOT IN ('verified', 'failed', 'abandoned')
`

// Sessions stuck mid-verify (process died) are swept like unreturned ones.
const listStaleSQL = `
SELECT
  reference,
  property_id,
  viewer_id,
  status,
  authorization_url,
  payment_method,
  fee,
  created_at,
  updated_at
FROM payment_sessions
WHERE status IN ('awaiting_return', 'verifying')
  AND updated_at < ?
ORDER BY updated_at, reference
LIMIT ?
`
