package mfa

// Challenge preference orders per risk level. The availability mask is
// applied first; only enrolled methods are candidates.
var (
	lowRiskOrder    = []Method{MethodPush, MethodBiometric, MethodWebAuthn, MethodTOTP}
	mediumRiskOrder = []Method{MethodWebAuthn, MethodPush, MethodTOTP}
)

// SelectChallenge picks the minimum-friction challenge for the risk level
// among the principal's enrolled methods. ok is false when nothing is
// enrolled that can serve the level.
func SelectChallenge(risk RiskLevel, enrolled map[Method]bool) (Method, bool) {
	switch risk {
	case RiskLow:
		return firstEnrolled(lowRiskOrder, enrolled)
	case RiskMedium:
		return firstEnrolled(mediumRiskOrder, enrolled)
	default:
		if enrolled[MethodKnowledge] {
			return MethodKnowledge, true
		}
		if enrolled[MethodTOTP] {
			return MethodTOTP, true
		}
		return "", false
	}
}

func firstEnrolled(order []Method, enrolled map[Method]bool) (Method, bool) {
	for _, m := range order {
		if enrolled[m] {
			return m, true
		}
	}
	return "", false
}
