package banner

import (
	"streamq/internal/tui/styles"

	"github.com/charmbracelet/lipgloss"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	ascii := `
         __                            
   _____/ /_________  ____ _____ ___  ____ _
  / ___/ __/ ___/ _ \/ __ '/ __ '__ \/ __ '/
 (__  ) /_/ /  /  __/ /_/ / / / / / / /_/ / 
/____/\__/_/   \___/\__,_/_/ /_/ /_/\__, /  
                                      /_/   `

	return "\n" + style.Render(ascii) + "\n"
}
