package engine

// recordUsage bumps the model's usage counter after a successful
// generation. A persistence failure must not fail the request that
// already produced text, so it is logged and counted instead.
func (e *Engine) recordUsage(id string) {
	if _, err := e.reg.RecordUse(id, e.now()); err != nil {
		statsUpdateFailures.Inc()
		e.log.Warn().Err(err).Str("model_id", id).Msg("usage statistics update failed")
	}
}
