package builtin

var ParseExpression = parseExpression
