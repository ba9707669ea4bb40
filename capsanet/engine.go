package capsanet

import (
	"net"

	"github.com/sirupsen/logrus"
)

// policyEngine is the compiled form of a Policy. It is built once at stack
// creation and holds a shared reference to the DNS cache for resolving
// destination IPs into domains. Policy decisions never surface as errors —
// they are observable through the structured log stream only.
type policyEngine struct {
	policy *Policy
	cache  *DNSCache
	log    *logrus.Entry
}

func newPolicyEngine(p *Policy, cache *DNSCache, log *logrus.Entry) *policyEngine {
	if p == nil {
		p = AllowAll()
	}
	return &policyEngine{policy: p, cache: cache, log: log}
}

// Evaluate runs the ordered rules against a flow. Log rules record and
// continue; the first Allow or Deny is final; the default action applies on
// fall-through.
func (e *policyEngine) Evaluate(proto Proto, dstIP net.IP, dstPort uint16) Action {
	flow := Flow{
		Proto:   proto,
		DstIP:   dstIP,
		DstPort: dstPort,
		Domain:  e.cache.Lookup(dstIP),
	}
	for i, rule := range e.policy.Rules {
		if !rule.Match.Match(flow) {
			continue
		}
		switch rule.Action {
		case ActionLog:
			e.log.WithFields(logrus.Fields{
				"rule":   i,
				"match":  rule.Match.String(),
				"flow":   flow.String(),
				"domain": flow.Domain,
			}).Info("policy log rule matched")
		case ActionAllow, ActionDeny:
			e.log.WithFields(logrus.Fields{
				"rule":     i,
				"match":    rule.Match.String(),
				"flow":     flow.String(),
				"domain":   flow.Domain,
				"decision": rule.Action.String(),
			}).Debug("policy decision")
			return rule.Action
		}
	}
	e.log.WithFields(logrus.Fields{
		"flow":     flow.String(),
		"domain":   flow.Domain,
		"decision": e.policy.DefaultAction.String(),
	}).Debug("policy default")
	return e.policy.DefaultAction
}
