package ui

import (
	"fmt"
	"strings"
)

// PrintBanner prints the startup header identifying the proxy and its
// listening ports.
func PrintBanner(version string, proxyPort, healthPort int) {
	fmt.Println()
	badge := badgePrimary.Sprint(" ◆ SNI-PROXY ")
	ver := clrDim.Sprint("v" + version)

	top := clrDim.Sprint(boxTopLeft + strings.Repeat(boxHorizontal, 50) + boxTopRight)
	fmt.Println(top)
	fmt.Printf("%s  %s %s\n", clrDim.Sprint(boxVertical), badge, ver)
	fmt.Printf("%s  %s\n",
		clrDim.Sprint(boxVertical),
		clrSubtle.Sprint(fmt.Sprintf("TLS SNI passthrough on :%d, sidecar on :%d", proxyPort, healthPort)))
	bottom := clrDim.Sprint(boxBottomLeft + strings.Repeat(boxHorizontal, 50) + boxBottomRight)
	fmt.Println(bottom)
	fmt.Println()
}
