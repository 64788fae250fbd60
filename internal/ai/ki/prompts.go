package ki

import (
	"fmt"
	"strings"
)

// PromptInputs is everything the prompt builders may reference. Keeping
// the builders pure over this record lets tests freeze prompt shapes.
type PromptInputs struct {
	Epic           string
	SetupKind      string
	Phase          string
	Direction      string
	ReferencePrice float64
	RangeHigh      float64
	RangeLow       float64
	MovePoints     float64
	Spread         float64
	TickSize       float64
	AccountEquity  float64
	OpenPositions  int
}

const localSystemPrompt = `You are a trading assistant evaluating one intraday setup.
Respond with a single JSON object and nothing else:
{"direction": "LONG"|"SHORT"|"NO_TRADE", "stop_loss": number, "take_profit": number, "size": number, "reason": string}`

// BuildLocalPrompt renders the stage-one prompt for the local model
func BuildLocalPrompt(in PromptInputs) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Setup: %s %s on %s during %s.\n", in.Direction, in.SetupKind, in.Epic, in.Phase)
	fmt.Fprintf(&b, "Reference price: %.5f, spread: %.5f, tick size: %.5f.\n",
		in.ReferencePrice, in.Spread, in.TickSize)
	if in.RangeHigh > in.RangeLow {
		fmt.Fprintf(&b, "Session range: high %.5f, low %.5f (height %.5f).\n",
			in.RangeHigh, in.RangeLow, in.RangeHigh-in.RangeLow)
	}
	if in.MovePoints != 0 {
		fmt.Fprintf(&b, "Post-report move: %.5f points.\n", in.MovePoints)
	}
	fmt.Fprintf(&b, "Account equity: %.2f, open positions: %d.\n", in.AccountEquity, in.OpenPositions)
	b.WriteString("Propose stop loss, take profit and position size, or NO_TRADE.")
	return localSystemPrompt, b.String()
}

const reflectionSystemPrompt = `You are a senior trader reviewing a junior's proposed trade.
Respond with a single JSON object and nothing else:
{"confidence": 0-100, "direction": "LONG"|"SHORT"|"NO_TRADE"|null, "stop_loss": number|null, "take_profit": number|null, "size": number|null, "reasoning": string}
Only set direction/stop_loss/take_profit/size when correcting the proposal.`

// BuildReflectionPrompt renders the stage-two prompt over the setup and
// the local model's proposal.
func BuildReflectionPrompt(in PromptInputs, local LocalResult) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Setup: %s %s on %s during %s at %.5f.\n",
		in.Direction, in.SetupKind, in.Epic, in.Phase, in.ReferencePrice)
	if in.RangeHigh > in.RangeLow {
		fmt.Fprintf(&b, "Session range: high %.5f, low %.5f.\n", in.RangeHigh, in.RangeLow)
	}
	fmt.Fprintf(&b, "Proposal: direction=%s stop_loss=%.5f take_profit=%.5f size=%.4f.\n",
		local.Direction, local.StopLoss, local.TakeProfit, local.Size)
	fmt.Fprintf(&b, "Proposal reasoning: %s\n", local.Reason)
	b.WriteString("Rate your confidence in this trade from 0 to 100 and correct any level you disagree with.")
	return reflectionSystemPrompt, b.String()
}
