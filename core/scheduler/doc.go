// Package scheduler fires the time-driven planboard jobs of a node: the
// daily phase advance, the day-ahead gate closure, the settlement of a past
// period and the retention sweep. Jobs are planned from a clock so that a
// simulated or fixed clock drives them as well as the wall clock.
package scheduler
