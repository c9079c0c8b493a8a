package analyzer

// DefaultPrompt is sent with every video unless the run overrides it.
const DefaultPrompt = "Act as a precise spatial analyst. Watch the robot start from a table on one end of the corridor, " +
	"move down the corridor to the other end, where there is another table, and move back to the starting position again. " +
	"Your task is to count unique cubes on the corridor floor that you see along the way. Note that, colored cubes may repeat, " +
	"for example, there may be two Red colored cubes, in this case you count both. But you do not count the exact same cube " +
	"(where both the color and placement in the corridor is the same) twice. Be concise with your thinking process and answer.\n" +
	"Output format:\n" +
	"Reasoning: [Identify of unique cubes described with relative spatiotemporal context]\n" +
	"Final Count: [Integer]"
