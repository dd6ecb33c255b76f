package cascade

// directive asks the scheduler to run target at scope. An empty event
// inherits the emitting entry's event; goto_event overrides it. origin
// is the check whose routing produced the directive.
type directive struct {
	target string
	scope  ScopePath
	event  string
	origin string
}

// router applies routing blocks after commits. It is invoked serially
// per completed check, so it reads runState without extra locking
// beyond what runState itself does.
type router struct {
	engine *Engine
}

// afterCommit evaluates the committed entry's routing: selects the
// on_success or on_fail block by outcome, applies on_finish when
// configured, and returns the forward-run directives that survived the
// loop budget and the per-pass guard.
func (rt *router) afterCommit(entry JournalEntry, check *Check, st *runState, journal *Journal, mem *MemoryHandle) []directive {
	e := rt.engine
	success := !entry.Result.Failed()

	phase := "on_fail"
	if success {
		phase = "on_success"
	}

	var out []directive
	if block := e.cfg.effectiveBlock(check, phase); !block.empty() {
		out = rt.applyBlock(block, entry, check, st, journal, mem, &out)
	}

	// on_finish runs regardless of outcome, except for forEach producers
	// that still have map dependents to fan out.
	if block := e.cfg.effectiveBlock(check, "on_finish"); !block.empty() {
		if !check.ForEach || !e.cfg.hasMapDependents(check.ID) {
			out = rt.applyBlock(block, entry, check, st, journal, mem, &out)
		}
	}
	return out
}

// applyBlock emits directives for one routing block: the static run
// list first, then run_js, then goto/goto_js. Emission order is part of
// the loop budget contract, so dynamic lists never preempt static ones.
func (rt *router) applyBlock(block *Routing, entry JournalEntry, check *Check, st *runState, journal *Journal, mem *MemoryHandle, acc *[]directive) []directive {
	e := rt.engine
	pass := st.currentPass()

	emit := func(target string, scope ScopePath, event string) bool {
		if _, ok := e.cfg.Checks[target]; !ok {
			e.logger.Warn("routing target not in config, dropping",
				"origin", check.ID, "target", target)
			return true
		}
		ok, overflowed := st.tryEmit(check.ID, target, scope.String(), pass)
		if overflowed {
			e.logger.Warn("routing loop budget exceeded",
				"origin", check.ID, "target", target, "max_loops", st.maxLoops)
			return false
		}
		if ok {
			*acc = append(*acc, directive{
				target: target,
				scope:  scope,
				event:  event,
				origin: check.ID,
			})
		}
		return true
	}

	// Static run list. Targets with fanout: map expand per item of the
	// emitting check's collection; everything else is scheduled at root.
	for _, target := range block.Run {
		tcfg, ok := e.cfg.Checks[target]
		if ok && tcfg.Fanout == FanoutMap && len(entry.Result.ForEachItems) > 0 {
			for i := range entry.Result.ForEachItems {
				if !emit(target, entry.Scope.Child(check.ID, i), block.GotoEvent) {
					return *acc
				}
			}
			continue
		}
		if !emit(target, RootScope, block.GotoEvent) {
			return *acc
		}
	}

	// Dynamic run list, at the current scope.
	if block.RunJS != "" {
		env := rt.routingScope(entry, check, journal, mem)
		ids, err := e.sandbox.evalStringList(block.RunJS, env)
		if err != nil {
			e.logger.Warn("run_js evaluation failed, treating as empty list",
				"check", check.ID, "error", err)
		}
		for _, target := range ids {
			if !emit(target, entry.Scope, block.GotoEvent) {
				return *acc
			}
		}
	}

	// Goto resolves to a single target at the current scope.
	target := block.Goto
	if target == "" && block.GotoJS != "" {
		env := rt.routingScope(entry, check, journal, mem)
		resolved, err := e.sandbox.evalString(block.GotoJS, env)
		if err != nil {
			e.logger.Warn("goto_js evaluation failed, treating as no target",
				"check", check.ID, "error", err)
		}
		target = resolved
	}
	if target != "" {
		emit(target, entry.Scope, block.GotoEvent)
	}
	return *acc
}

// routingScope builds the expression scope for routing expressions: a
// fresh snapshot that includes the just-committed entry, read under the
// entry's own scope and event.
func (rt *router) routingScope(entry JournalEntry, check *Check, journal *Journal, mem *MemoryHandle) map[string]any {
	view := NewContextView(journal, journal.Snapshot(), entry.Scope, entry.Event)
	return exprScope(view, check, entry.Result.Output, Event{Name: entry.Event}, mem)
}

// applyFailIf evaluates the check-level and global fail_if expressions
// against the just-produced result, before it is committed. A truthy
// outcome appends a synthetic failing issue, which demotes the result
// for routing and dependency propagation. Skipped entirely when the
// result has no output to evaluate.
func (e *Engine) applyFailIf(result *CheckResult, check *Check, view *ContextView, ev Event, mem *MemoryHandle) {
	if result.Output == nil {
		return
	}

	env := exprScope(view, check, result.Output, ev, mem)

	eval := func(src, ruleID string) {
		if src == "" {
			return
		}
		triggered, err := e.sandbox.evalBool(src, env)
		if err != nil {
			e.logger.Warn("fail_if evaluation failed, treating as false",
				"check", check.ID, "error", err)
			return
		}
		if triggered {
			result.Issues = append(result.Issues, Issue{
				RuleID:   ruleID,
				Severity: SeverityError,
				Message:  "fail_if condition triggered: " + src,
			})
		}
	}

	eval(check.FailIf, check.ID+"_fail_if")
	eval(e.cfg.FailIf, "global_fail_if")
}
