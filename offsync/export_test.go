package offsync

// Exports for the external offsync_test package, which hosts the tests
// that drive the internal/remotefake executor and therefore cannot live
// in the package-internal test (import cycle).

var (
	TestLogger     = testLogger
	OnlineManual   = onlineManual
	NewTestManager = newTestManager
)

// BackupPayload exposes the context-backup snapshot shape.
type BackupPayload = backupPayload

// CacheKeyPrefix exposes the store key prefix for cached entries.
const CacheKeyPrefix = cacheKeyPrefix

// BatchSizeForTest reads the engine's current adaptive batch size.
func (e *Engine) BatchSizeForTest() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batchSize
}

// SweepForTest runs one maintenance sweep pass.
func (m *Maintenance) SweepForTest() { m.sweep() }

// ScheduledSyncForTest runs one scheduled-sync tick.
func (m *Maintenance) ScheduledSyncForTest() { m.scheduledSync() }
